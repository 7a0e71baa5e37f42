package router

import (
	"context"
)

type ctxKey struct{}

// WithBinding returns a derived context carrying the resolved tenant
// binding for downstream consumers.
func WithBinding(ctx context.Context, b Binding) context.Context {
	return context.WithValue(ctx, ctxKey{}, b)
}

// BindingFromContext extracts the tenant binding, if present.
func BindingFromContext(ctx context.Context) (Binding, bool) {
	b, ok := ctx.Value(ctxKey{}).(Binding)
	return b, ok
}
