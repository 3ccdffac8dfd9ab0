package ctxutil

import "context"

// TraceData carries request/trace correlation ids pulled from a job's
// payload so handler logs can be joined back to whatever originated the job.
type TraceData struct {
	TraceID   string
	RequestID string
}

type traceDataKey struct{}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// Default returns context.Background() when ctx is nil. Several lifecycle
// helpers accept a possibly-nil context from callers that didn't think to
// plumb one through.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
