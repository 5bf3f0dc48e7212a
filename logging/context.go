package logging

import (
	"context"

	"github.com/google/uuid"
)

type traceKeyType int

const traceKeyID = traceKeyType(iota)

// traceField is the log field carrying the trace key of a traced context.
const traceField = "trace"

// EnableDebugMode returns a context whose C-prefixed log calls are emitted regardless of the
// logger's level and tagged with traceKey. An empty traceKey gets a short random one.
func EnableDebugMode(ctx context.Context, traceKey string) context.Context {
	if traceKey == "" {
		traceKey = uuid.NewString()[:8]
	}
	return context.WithValue(ctx, traceKeyID, traceKey)
}

// IsDebugMode reports whether ctx was passed through EnableDebugMode.
func IsDebugMode(ctx context.Context) bool {
	return TraceKey(ctx) != ""
}

// TraceKey returns the key ctx was traced with, or "".
func TraceKey(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	key, _ := ctx.Value(traceKeyID).(string)
	return key
}

// traceFields prepends the trace key of ctx to keysAndValues.
func traceFields(ctx context.Context, keysAndValues []interface{}) (bool, []interface{}) {
	key := TraceKey(ctx)
	if key == "" {
		return false, keysAndValues
	}
	return true, append([]interface{}{traceField, key}, keysAndValues...)
}
