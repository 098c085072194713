package util

import "net/http"

// WithSecurityHeaders sets response headers suited to a JSON API that is
// never framed and whose responses must not be cached.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Settings responses include the API key.
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
