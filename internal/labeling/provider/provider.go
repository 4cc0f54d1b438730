// Package provider defines the labeling provider contract shared by every LLM adapter.
package provider

import (
	"context"
	"time"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// Request is one labeling call.
type Request struct {
	Text         string
	Aspects      []string
	Instructions string
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a parsed label plus what the call cost.
type Response struct {
	Label   *domain.LabelResult
	Raw     string
	Model   string
	Usage   Usage
	Cost    float64
	Latency time.Duration
}

// Provider labels review text with aspect sentiments.
type Provider interface {
	// Name identifies the provider in logs, metrics and label metadata
	Name() string

	// Label calls the model. Failures are *domain.ProviderError values.
	Label(ctx context.Context, req Request) (*Response, error)

	// EstimateCost predicts the cost of labeling a text of textLength characters
	EstimateCost(textLength int) float64

	// Close releases the underlying client
	Close() error
}

// Config describes one entry of the provider priority list.
type Config struct {
	Name              string  `yaml:"name"`
	Type              string  `yaml:"type"` // gemini, openai, groq, openrouter
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Temperature       float32 `yaml:"temperature"`
	MaxOutputTokens   int     `yaml:"max_output_tokens"`
	Pricing           Pricing `yaml:"pricing"`
}
