package provider

import "github.com/vietddude/reviewradar/internal/core/domain"

// Pricing converts token usage into USD.
type Pricing struct {
	InputPerMillion      float64 `yaml:"input_per_million"`
	OutputPerMillion     float64 `yaml:"output_per_million"`
	CharsPerToken        float64 `yaml:"chars_per_token"`
	PromptOverheadTokens int     `yaml:"prompt_overhead_tokens"`
	ExpectedOutputTokens int     `yaml:"expected_output_tokens"`
}

// Gemini 2.5 Flash-Lite list prices.
var DefaultGeminiPricing = Pricing{
	InputPerMillion:      0.10,
	OutputPerMillion:     0.40,
	CharsPerToken:        4,
	PromptOverheadTokens: 400,
	ExpectedOutputTokens: 100,
}

// DefaultModels is the model each provider type uses when none is configured.
var DefaultModels = map[string]string{
	"gemini":     "gemini-2.5-flash-lite",
	"openai":     "gpt-4o-mini",
	"groq":       "llama-3.1-8b-instant",
	"openrouter": "openai/gpt-4o-mini",
}

// DefaultPricing holds the list price of each type's default model.
var DefaultPricing = map[string]Pricing{
	"gemini": DefaultGeminiPricing,
	"openai": {
		InputPerMillion:      0.15,
		OutputPerMillion:     0.60,
		CharsPerToken:        4,
		PromptOverheadTokens: 400,
		ExpectedOutputTokens: 100,
	},
	"groq": {
		InputPerMillion:      0.05,
		OutputPerMillion:     0.08,
		CharsPerToken:        4,
		PromptOverheadTokens: 400,
		ExpectedOutputTokens: 100,
	},
	"openrouter": {
		InputPerMillion:      0.15,
		OutputPerMillion:     0.60,
		CharsPerToken:        4,
		PromptOverheadTokens: 400,
		ExpectedOutputTokens: 100,
	},
}

// IsZero reports whether no token price is set.
func (p Pricing) IsZero() bool {
	return p.InputPerMillion == 0 && p.OutputPerMillion == 0
}

// ResolvePricing returns the configured pricing, or the list price when cfg uses
// its type's default model. A model without a known price cannot be budgeted.
func ResolvePricing(cfg Config) (Pricing, error) {
	p := cfg.Pricing
	if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
		return Pricing{}, domain.Configurationf("provider %s: pricing must not be negative", cfg.Name)
	}
	if !p.IsZero() {
		return p, nil
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModels[cfg.Type]
	}
	if def, ok := DefaultPricing[cfg.Type]; ok && model == DefaultModels[cfg.Type] {
		return def, nil
	}
	return Pricing{}, domain.Configurationf("provider %s: pricing is required for model %q", cfg.Name, model)
}

// Cost is the price of the given usage.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMillion/1e6 + float64(u.OutputTokens)*p.OutputPerMillion/1e6
}

// Estimate predicts the cost of a call for textLength characters of review text.
func (p Pricing) Estimate(textLength int) float64 {
	cpt := p.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	input := p.PromptOverheadTokens + int(float64(textLength)/cpt+0.5)
	return p.Cost(Usage{InputTokens: input, OutputTokens: p.ExpectedOutputTokens})
}
