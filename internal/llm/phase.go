package llm

import "context"

type ctxKeyPhase struct{}

// WithPhase labels generation calls made with ctx (e.g. "generate#2").
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase{}, phase)
}

// PhaseFrom returns the label stored by WithPhase.
func PhaseFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyPhase{}).(string); ok {
		return v
	}
	return "unknown"
}
