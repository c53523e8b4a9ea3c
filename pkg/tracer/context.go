package tracer

import "context"

type ctxKeyTracer struct{}

type ctxKeyStep struct{}

func WithContext(ctx context.Context, t *Tracer) context.Context {
	return context.WithValue(ctx, ctxKeyTracer{}, t)
}

// FromContext returns the Tracer stored by WithContext, or nil. A nil Tracer
// is usable and records nothing.
func FromContext(ctx context.Context) *Tracer {
	t, _ := ctx.Value(ctxKeyTracer{}).(*Tracer)
	return t
}

// StepFromContext returns the innermost open step, or nil.
func StepFromContext(ctx context.Context) *Step {
	s, _ := ctx.Value(ctxKeyStep{}).(*Step)
	return s
}

func contextWithStep(ctx context.Context, s *Step) context.Context {
	return context.WithValue(ctx, ctxKeyStep{}, s)
}
