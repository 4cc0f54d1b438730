package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// RateLimited wraps a provider with a requests-per-minute token bucket.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit returns p unchanged when requestsPerMinute <= 0.
func WithRateLimit(p Provider, requestsPerMinute int) Provider {
	if requestsPerMinute <= 0 {
		return p
	}
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

func (p *RateLimited) Label(ctx context.Context, req Request) (*Response, error) {
	// Wait for rate limit
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, domain.NewTransientError(p.Name(), fmt.Errorf("rate limit wait: %w", err))
	}
	return p.Provider.Label(ctx, req)
}
