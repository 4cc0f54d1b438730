package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// ErrUnparseable is returned when model output is not a label in any known shape.
var ErrUnparseable = errors.New("unparseable model output")

// permanentStatus matches a rejecting HTTP status standing alone, so addresses
// such as "10.0.0.1:4000" or ":400:" do not count.
var permanentStatus = regexp.MustCompile(`(^|[\s(\[=])(400|401|403)($|[\s)\],:])`)

// Classify turns an adapter error into a *domain.ProviderError.
// Already classified errors pass through unchanged.
func Classify(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewTransientError(name, err)
	}
	if errors.Is(err, ErrUnparseable) {
		return domain.NewPermanentError(name, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewTransientError(name, err)
	}

	s := strings.ToLower(err.Error())

	// Permanent (credentials or request issues)
	if permanentStatus.MatchString(s) ||
		strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden") ||
		strings.Contains(s, "invalid api key") || strings.Contains(s, "api key not valid") ||
		strings.Contains(s, "bad request") || strings.Contains(s, "invalid argument") {
		return domain.NewPermanentError(name, err)
	}

	// Default to transient (network, 429, 5xx, etc)
	return domain.NewTransientError(name, err)
}

// ClassifyStatus classifies an HTTP status returned by a provider API.
func ClassifyStatus(name string, status int, err error) error {
	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return domain.NewTransientError(name, err)
	case status >= 400:
		return domain.NewPermanentError(name, err)
	}
	return Classify(name, err)
}
