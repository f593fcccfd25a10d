// Package server assembles the SSAP HTTP handler from its dependencies. It
// accepts everything as parameters so main() and tests build the identical
// route table without drift.
package server

import (
	"net/http"

	"github.com/rjsadow/ssap/internal/apierr"
	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/config"
	"github.com/rjsadow/ssap/internal/diagnostics"
	"github.com/rjsadow/ssap/internal/middleware"
	"github.com/rjsadow/ssap/internal/principal"
	"github.com/rjsadow/ssap/internal/relay"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/token"
)

// App holds every dependency the route table needs.
type App struct {
	Config      *config.Config
	Sessions    *sessions.Manager
	Tokens      *token.Service
	Principals  principal.Extractor
	Diagnostics *diagnostics.Collector
	Audit       audit.Sink
	RateLimit   *middleware.RateLimiter

	HTTPRelay *relay.HTTP
	WSRelay   *relay.WS
}

// Handler builds the complete HTTP handler with every route registered and
// the ambient middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	h := &handlers{app: a}

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	sandbox := func(next http.Handler) http.Handler { return a.requireEnabled(next) }

	acquire := sandbox(a.RateLimit.Limit(http.HandlerFunc(h.handleAcquire)))
	mux.Handle("POST /v1/sandbox/sessions", acquire)
	mux.Handle("GET /v1/sandbox/sessions/{sid}", sandbox(http.HandlerFunc(h.handleGetSession)))
	mux.Handle("POST /v1/sandbox/sessions/{sid}/refresh", sandbox(http.HandlerFunc(h.handleRefresh)))
	mux.Handle("DELETE /v1/sandbox/sessions/{sid}", sandbox(http.HandlerFunc(h.handleRelease)))

	mux.Handle("POST /v1/sandbox/relay/{sid}/execute", sandbox(http.HandlerFunc(a.HTTPRelay.Execute)))
	mux.Handle("POST /v1/sandbox/relay/{sid}/upload", sandbox(http.HandlerFunc(a.HTTPRelay.Upload)))
	mux.Handle("GET /v1/sandbox/relay/{sid}/download", sandbox(http.HandlerFunc(a.HTTPRelay.Download)))
	mux.Handle("GET /v1/sandbox/relay/{sid}/execute/ws", sandbox(http.HandlerFunc(a.WSRelay.ServeHTTP)))

	return middleware.SecurityHeaders(middleware.RequestID(mux))
}

// requireEnabled gates every /v1/sandbox/* route behind Config.Enabled,
// matching the original app's _require_enabled() check: a disabled service
// answers every sandbox route with 404 rather than refusing to start.
func (a *App) requireEnabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Config.Enabled {
			apierr.Write(w, apierr.New(apierr.NotFound, "ssap routes are disabled"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
