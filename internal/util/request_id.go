package util

import (
	"context"
	"net/http"
	"strings"
)

const RequestIDHeader = "X-Request-Id"

type requestIDContextKey struct{}

// WithRequestID keeps a caller-supplied request id or assigns one, echoes it
// in the response and stores it, plus a logger carrying it, in the context.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = NewID()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, id)
		ctx = ContextWithLogger(ctx, LoggerFromContext(r.Context()).With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return RequestIDFromContext(r.Context())
}
