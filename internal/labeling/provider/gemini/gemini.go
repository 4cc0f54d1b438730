// Package gemini labels reviews with Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/labeling/provider"
)

const (
	DefaultModel           = "gemini-2.5-flash-lite"
	defaultMaxOutputTokens = 1024
)

// Provider wraps the Gemini API client
type Provider struct {
	client  *genai.Client
	name    string
	model   string
	cfg     provider.Config
	pricing provider.Pricing
	logger  *slog.Logger
}

// New creates a Gemini provider. Extra client options (endpoint, transport) are
// passed through to genai.NewClient.
func New(ctx context.Context, cfg provider.Config, logger *slog.Logger, opts ...option.ClientOption) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, domain.Configurationf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultMaxOutputTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.Type == "" {
		cfg.Type = "gemini"
	}
	pricing, err := provider.ResolvePricing(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("Gemini provider initialized", "name", cfg.Name, "model", cfg.Model)
	return &Provider{
		client:  client,
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

// Close closes the Gemini client
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) generativeModel(instructions string) *genai.GenerativeModel {
	model := p.client.GenerativeModel(p.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(instructions)},
	}
	model.ResponseMIMEType = "application/json"
	model.GenerationConfig.Temperature = genai.Ptr(p.cfg.Temperature)
	model.GenerationConfig.TopP = genai.Ptr[float32](0.95)
	model.GenerationConfig.MaxOutputTokens = genai.Ptr(int32(p.cfg.MaxOutputTokens))
	return model
}

// Label sends one review to Gemini and parses the JSON label.
func (p *Provider) Label(ctx context.Context, req provider.Request) (*provider.Response, error) {
	instructions := req.Instructions
	if instructions == "" {
		instructions = provider.BuildInstructions(req.Aspects)
	}

	start := time.Now()
	resp, err := p.generativeModel(instructions).GenerateContent(ctx, genai.Text(req.Text))
	if err != nil {
		// Blocked candidates still come back with usage.
		var billed *provider.Response
		if resp != nil {
			billed = p.billed(resp)
			billed.Latency = time.Since(start)
		}
		return billed, classify(p.name, err)
	}
	out, err := p.toResponse(resp, req.Aspects)
	if out != nil {
		out.Latency = time.Since(start)
	}
	if err != nil {
		return out, domain.NewPermanentError(p.name, err)
	}

	p.logger.Debug("Gemini label received",
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"latency_ms", out.Latency.Milliseconds())
	return out, nil
}

// toResponse parses the label. When the text cannot be parsed the priced
// response is still returned alongside the error.
func (p *Provider) toResponse(resp *genai.GenerateContentResponse, aspects []string) (*provider.Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response from gemini", provider.ErrUnparseable)
	}
	out := p.billed(resp)
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, fmt.Errorf("%w: empty response from gemini", provider.ErrUnparseable)
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	out.Raw = text.String()

	label, err := provider.ParseLabel(out.Raw, aspects)
	if err != nil {
		return out, err
	}
	out.Label = label
	return out, nil
}

// billed prices the token usage reported with resp.
func (p *Provider) billed(resp *genai.GenerateContentResponse) *provider.Response {
	var usage provider.Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return &provider.Response{
		Model: p.model,
		Usage: usage,
		Cost:  p.pricing.Cost(usage),
	}
}

// classify maps Gemini API failures onto transient or permanent provider errors.
func classify(name string, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return domain.NewPermanentError(name, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable:
			pe := domain.NewTransientError(name, err)
			pe.RetryAfter = retryDelay(st)
			return pe
		case codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.Canceled:
			return domain.NewTransientError(name, err)
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
			codes.NotFound, codes.FailedPrecondition, codes.Unimplemented, codes.OutOfRange:
			return domain.NewPermanentError(name, err)
		}
	}
	return provider.Classify(name, err)
}

// retryDelay reads the RetryInfo detail quota errors carry.
func retryDelay(st *status.Status) time.Duration {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return 0
}
