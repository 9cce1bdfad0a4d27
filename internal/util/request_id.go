package util

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

type requestIDContextKey string

const (
	requestIDHeader          = "X-Request-Id"
	requestIDCtxKey          = requestIDContextKey("request_id")
	requestScopeCtxKey       = requestIDContextKey("request_scope")
	defaultRequestIDFallback = ""
	maxRequestIDLen          = 64
)

// requestScope collects ids learned while a request is served so the
// request log can report them after the handler returns.
type requestScope struct {
	mu       sync.Mutex
	threadID string
	streamID string
}

// WithRequestID propagates a well-formed incoming request id or mints a
// sortable one. The id goes on the response header, the request context and
// a context logger (see LoggerFromContext).
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if !validRequestID(requestID) {
			requestID = NewSortableID(time.Now())
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDCtxKey, requestID)
		ctx = context.WithValue(ctx, requestScopeCtxKey, &requestScope{})
		ctx = ContextWithLogger(ctx, LoggerFromContext(r.Context()).With("request_id", requestID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithStream tags ctx with the thread and stream a request is serving. The
// context logger gains thread_id and stream_id, and the enclosing request log
// reports both.
func WithStream(ctx context.Context, threadID, streamID string) context.Context {
	if scope, ok := ctx.Value(requestScopeCtxKey).(*requestScope); ok {
		scope.mu.Lock()
		scope.threadID, scope.streamID = threadID, streamID
		scope.mu.Unlock()
	}
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With("thread_id", threadID, "stream_id", streamID))
}

// StreamFromContext returns the ids recorded by WithStream for the current
// request, if any.
func StreamFromContext(ctx context.Context) (threadID, streamID string) {
	if ctx == nil {
		return "", ""
	}
	scope, ok := ctx.Value(requestScopeCtxKey).(*requestScope)
	if !ok {
		return "", ""
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	return scope.threadID, scope.streamID
}

// RequestIDFromContext returns request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return defaultRequestIDFallback
	}
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// RequestIDFromRequest returns request id from request context.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return defaultRequestIDFallback
	}
	return RequestIDFromContext(r.Context())
}

// validRequestID keeps client-chosen ids short and log safe.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}
