package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rjsadow/ssap/internal/apierr"
	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/middleware"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/store"
)

// handlers binds HTTP handler methods to an App's dependencies.
type handlers struct {
	app *App
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	readiness := h.app.Diagnostics.Collect(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !readiness.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(readiness)
}

// acquireRequest is the POST /v1/sandbox/sessions body.
type acquireRequest struct {
	ThreadID    string `json:"thread_id"`
	Mode        string `json:"mode"`
	SandboxHint string `json:"sandbox_hint"`
}

// acquireResponse is the exact AcquireResponse wire shape.
type acquireResponse struct {
	SessionID string          `json:"session_id"`
	ThreadID  string          `json:"thread_id"`
	Sandbox   sandboxResponse `json:"sandbox"`
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expires_at"`
}

type sandboxResponse struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	HTTPBaseURL string `json:"http_base_url"`
	WSBaseURL   string `json:"ws_base_url"`
}

func (h *handlers) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, "session.acquire", "", apierr.New(apierr.InvalidRequest, "malformed request body"))
		return
	}

	mode := sessions.Mode(req.Mode)
	if mode != sessions.ModeEnsure && mode != sessions.ModeGet {
		h.writeError(w, r, "session.acquire", "", apierr.New(apierr.InvalidRequest, "mode must be \"get\" or \"ensure\""))
		return
	}

	principalID := h.app.Principals.Extract(r)

	record, err := h.app.Sessions.Ensure(r.Context(), principalID, req.ThreadID, mode, req.SandboxHint)
	if err != nil {
		h.writeError(w, r, "session.acquire", principalID, err)
		return
	}

	h.respondWithToken(w, r, "session.acquire", principalID, record)
}

func (h *handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sid")
	principalID := h.app.Principals.Extract(r)

	record, err := h.app.Sessions.GetOwned(r.Context(), principalID, sessionID)
	if err != nil {
		h.writeError(w, r, "session.get", principalID, err)
		return
	}

	h.respondWithToken(w, r, "session.get", principalID, record)
}

func (h *handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sid")
	principalID := h.app.Principals.Extract(r)

	record, err := h.app.Sessions.Refresh(r.Context(), principalID, sessionID)
	if err != nil {
		h.writeError(w, r, "session.refresh", principalID, err)
		return
	}

	tok, expiresAt, err := h.app.Tokens.Issue(record)
	if err != nil {
		h.writeError(w, r, "session.refresh", principalID, apierr.New(apierr.BackendUnavailable, "issuing token"))
		return
	}

	h.recordAudit(r, "session.refresh", principalID, sessionID, "allow", "")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"token":      tok,
		"expires_at": formatTime(expiresAt),
	})
}

func (h *handlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sid")
	principalID := h.app.Principals.Extract(r)

	if err := h.app.Sessions.Release(r.Context(), principalID, sessionID); err != nil {
		h.writeError(w, r, "session.release", principalID, err)
		return
	}

	h.recordAudit(r, "session.release", principalID, sessionID, "allow", "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) respondWithToken(w http.ResponseWriter, r *http.Request, action, principalID string, record *store.SessionRecord) {
	tok, expiresAt, err := h.app.Tokens.Issue(record)
	if err != nil {
		h.writeError(w, r, action, principalID, apierr.New(apierr.BackendUnavailable, "issuing token"))
		return
	}

	h.recordAudit(r, action, principalID, record.SessionID, "allow", "")

	base := relayBaseURL(r, record.SessionID)
	resp := acquireResponse{
		SessionID: record.SessionID,
		ThreadID:  record.ThreadID,
		Sandbox: sandboxResponse{
			ID:          record.SandboxID,
			Provider:    h.app.Config.ProviderTag,
			HTTPBaseURL: base,
			WSBaseURL:   toWSBaseURL(base),
		},
		Token:     tok,
		ExpiresAt: formatTime(expiresAt),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, action, principalID string, err error) {
	apierr.Write(w, err)
	h.recordAudit(r, action, principalID, r.PathValue("sid"), "deny", err.Error())
}

func (h *handlers) recordAudit(r *http.Request, action, principalID, sessionID, outcome, detail string) {
	if h.app.Audit == nil {
		return
	}
	h.app.Audit.Write(r.Context(), audit.Entry{
		Time:      time.Now(),
		Action:    action,
		Principal: principalID,
		SessionID: sessionID,
		Outcome:   outcome,
		Detail:    detail,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// relayBaseURL derives http_base_url = {request.base_url}/v1/sandbox/relay/{sid}.
func relayBaseURL(r *http.Request, sessionID string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/v1/sandbox/relay/" + sessionID
}

func toWSBaseURL(httpBaseURL string) string {
	if strings.HasPrefix(httpBaseURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpBaseURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpBaseURL, "http://")
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
