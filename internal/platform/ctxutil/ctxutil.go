// Package ctxutil carries request/trace identifiers through context.Context
// so deep call chains (pipeline stages, client calls) can attach them to
// logs and diagnostic records without threading extra parameters everywhere.
package ctxutil

import "context"

type traceKey struct{}

type TraceData struct {
	RequestID string
	TraceID   string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	td, _ := ctx.Value(traceKey{}).(*TraceData)
	return td
}

// Default returns ctx unchanged if non-nil, else context.Background().
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
