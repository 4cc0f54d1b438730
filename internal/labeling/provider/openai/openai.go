// Package openai labels reviews through any OpenAI-compatible chat completion API
// (OpenAI, Groq, OpenRouter).
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/labeling/provider"
)

// Base URLs of the OpenAI-compatible services selectable by provider type.
var BaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// Provider labels reviews with chat completions.
type Provider struct {
	client  *openai.Client
	name    string
	model   string
	cfg     provider.Config
	pricing provider.Pricing
	logger  *slog.Logger
}

// New creates a provider for cfg.Type (openai, groq or openrouter). cfg.BaseURL
// overrides the service URL.
func New(cfg provider.Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Type == "" {
		cfg.Type = "openai"
	}
	if cfg.APIKey == "" {
		return nil, domain.Configurationf("%s api key is required", cfg.Type)
	}
	if cfg.BaseURL == "" {
		url, ok := BaseURLs[cfg.Type]
		if !ok {
			return nil, domain.Configurationf("unknown openai-compatible provider type %q", cfg.Type)
		}
		cfg.BaseURL = url
	}
	if cfg.Model == "" {
		cfg.Model = provider.DefaultModels[cfg.Type]
	}
	if cfg.Model == "" {
		return nil, domain.Configurationf("%s model is required", cfg.Type)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	pricing, err := provider.ResolvePricing(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	logger.Info("OpenAI-compatible provider initialized", "name", cfg.Name, "type", cfg.Type, "model", cfg.Model)
	return &Provider{
		client:  openai.NewClientWithConfig(clientCfg),
		name:    cfg.Name,
		model:   cfg.Model,
		cfg:     cfg,
		pricing: pricing,
		logger:  logger,
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) EstimateCost(textLength int) float64 {
	return p.pricing.Estimate(textLength)
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (p *Provider) Close() error { return nil }

// Label sends one review as a chat completion in JSON object mode.
func (p *Provider) Label(ctx context.Context, req provider.Request) (*provider.Response, error) {
	instructions := req.Instructions
	if instructions == "" {
		instructions = provider.BuildInstructions(req.Aspects)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: p.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if p.cfg.MaxOutputTokens > 0 {
		chatReq.MaxTokens = p.cfg.MaxOutputTokens
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classify(p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewPermanentError(p.name, fmt.Errorf("%w: no choices returned", provider.ErrUnparseable))
	}

	usage := provider.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	model := resp.Model
	if model == "" {
		model = p.model
	}
	raw := resp.Choices[0].Message.Content
	out := &provider.Response{
		Raw:     raw,
		Model:   model,
		Usage:   usage,
		Cost:    p.pricing.Cost(usage),
		Latency: time.Since(start),
	}

	// The call is billed even when its output is unusable.
	label, err := provider.ParseLabel(raw, req.Aspects)
	if err != nil {
		return out, domain.NewPermanentError(p.name, err)
	}
	out.Label = label
	p.logger.Debug("Chat completion label received",
		"provider", p.name,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"latency_ms", out.Latency.Milliseconds())
	return out, nil
}

func classify(name string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return provider.ClassifyStatus(name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return provider.ClassifyStatus(name, reqErr.HTTPStatusCode, err)
	}
	return provider.Classify(name, err)
}
