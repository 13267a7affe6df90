package model

import "context"

type capsuleCtxKey struct{}

// WithCapsule attaches the context capsule to ctx. The capsule rides the
// request context into the provider HTTP call, where a routing transport
// can read it without the engine destructuring it.
func WithCapsule(ctx context.Context, capsule Capsule) context.Context {
	return context.WithValue(ctx, capsuleCtxKey{}, capsule)
}

// CapsuleFromContext returns the capsule attached to ctx, if any.
func CapsuleFromContext(ctx context.Context) (Capsule, bool) {
	capsule, ok := ctx.Value(capsuleCtxKey{}).(Capsule)
	return capsule, ok
}
