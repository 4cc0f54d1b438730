package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration covers unknown backend keys, missing credentials and bad settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidArgument is returned before any I/O when a parameter is rejected.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransientProvider marks provider failures worth retrying (timeout, rate limit).
	ErrTransientProvider = errors.New("transient provider error")

	// ErrPermanentProvider marks provider failures that must not be retried (auth, malformed request).
	ErrPermanentProvider = errors.New("permanent provider error")

	// ErrValidation marks a label that failed structural or confidence checks.
	ErrValidation = errors.New("validation failure")

	// ErrBudgetExceeded is reported when the daily budget denies a paid call.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrPersistence wraps backend read/write failures.
	ErrPersistence = errors.New("persistence error")

	// ErrNotFound is a persistence error for rows that do not exist.
	ErrNotFound = fmt.Errorf("%w: not found", ErrPersistence)
)

// ProviderErrorKind classifies a provider failure.
type ProviderErrorKind int

const (
	ProviderTransient ProviderErrorKind = iota
	ProviderPermanent
)

func (k ProviderErrorKind) String() string {
	if k == ProviderPermanent {
		return "permanent"
	}
	return "transient"
}

// ProviderError is a classified failure from a labeling provider.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Err      error
	// RetryAfter is the server's requested wait before the next attempt, if it sent one.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransientProvider) and errors.Is(err, ErrPermanentProvider) work.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransientProvider:
		return e.Kind == ProviderTransient
	case ErrPermanentProvider:
		return e.Kind == ProviderPermanent
	}
	return false
}

// NewTransientError wraps err as a retryable provider failure.
func NewTransientError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderTransient, Err: err}
}

// NewPermanentError wraps err as a non-retryable provider failure.
func NewPermanentError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: ProviderPermanent, Err: err}
}

// RetryAfter returns the retry hint carried by a ProviderError in err's chain.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Configurationf builds an ErrConfiguration with context.
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// InvalidArgumentf builds an ErrInvalidArgument with context.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
