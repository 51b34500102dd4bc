package util

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 64

type requestScopeKey struct{}

// requestScope is the per-request state shared by the middleware stack.
// Attributes added by handlers through Annotate also land on the access log line.
type requestScope struct {
	id string

	mu    sync.Mutex
	attrs []any
}

// WithRequestID keeps a well-formed incoming X-Request-Id or mints a UUID,
// echoes it on the response and stores a logger carrying it in the context.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestScopeKey{}, &requestScope{id: id})
		ctx = ContextWithLogger(ctx, LoggerFromContext(r.Context()).With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts up to 64 characters of [A-Za-z0-9._-]. Anything
// else is replaced so client input cannot forge log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// RequestIDFromContext returns the request id, or "" outside WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if scope := scopeFromContext(ctx); scope != nil {
		return scope.id
	}
	return ""
}

// Annotate adds key/value attributes to the request: the logger of the
// returned request carries them, and so does the access log line.
func Annotate(r *http.Request, args ...any) *http.Request {
	if len(args) == 0 {
		return r
	}
	ctx := r.Context()
	if scope := scopeFromContext(ctx); scope != nil {
		scope.mu.Lock()
		scope.attrs = append(scope.attrs, args...)
		scope.mu.Unlock()
	}
	return r.WithContext(ContextWithLogger(ctx, LoggerFromContext(ctx).With(args...)))
}

func scopeFromContext(ctx context.Context) *requestScope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(requestScopeKey{}).(*requestScope)
	return scope
}

func annotations(ctx context.Context) []any {
	scope := scopeFromContext(ctx)
	if scope == nil {
		return nil
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	return append([]any(nil), scope.attrs...)
}
