package model

import (
	"context"
	"errors"
)

// RequestContext carries the caller identity and tracing information for one
// request. It is immutable after construction and safe for concurrent reads.
type RequestContext struct {
	ActorID       string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.ActorID == "" {
		return errors.New("ActorID is required")
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the acting identity stored in ctx, or "" when the request
// is anonymous.
func ActorFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.ActorID
	}
	return ""
}
