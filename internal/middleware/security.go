// Package middleware provides HTTP middleware for the SSAP server.
package middleware

import (
	"net/http"
)

// SecurityHeaders wraps an http.Handler and adds security headers to all responses.
// SSAP serves only JSON and relayed binary/WebSocket traffic, never HTML, so the
// policy is locked down rather than tuned for a browser UI.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

// SecureHeadersFunc wraps an http.HandlerFunc and adds security headers.
func SecureHeadersFunc(next http.HandlerFunc) http.HandlerFunc {
	return SecurityHeaders(next).ServeHTTP
}
