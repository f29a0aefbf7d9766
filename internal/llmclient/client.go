package llmclient

import (
	"context"
	"errors"
	"fmt"
)

// Client is the text-generation capability the compiler depends on.
// Implementations make exactly one provider call per Generate and never
// retry on their own; the caller owns the attempt budget.
type Client interface {
	Name() string
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
	Close() error
}

var (
	// ErrTimeout is returned when the call exceeds its deadline.
	ErrTimeout = errors.New("generation timed out")
	// ErrEmptyResponse is returned when the provider answers without text.
	ErrEmptyResponse = errors.New("generation returned empty response")
)

// ProviderError wraps a provider-side failure (HTTP status, SDK error).
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classify maps a raw provider error onto the capability's error kinds.
func classify(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Err: err}
}
