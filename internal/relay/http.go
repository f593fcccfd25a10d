// Package relay implements the HTTP reverse proxy (C6) and WebSocket tunnel
// (C7): the closed proxy that re-authenticates client traffic to a
// sandbox's data plane using the server-held provider API key.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rjsadow/ssap/internal/apierr"
	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/store"
	"github.com/rjsadow/ssap/internal/token"
)

// upstreamTimeout bounds every relay call to the sandbox data plane.
const upstreamTimeout = 120 * time.Second

// HTTP is the C6 handler set: execute, upload, and download, each
// authenticating via the token service and session manager before
// forwarding to the bound sandbox.
type HTTP struct {
	tokens      *token.Service
	sessions    *sessions.Manager
	providerKey string
	audit       audit.Sink
	client      *http.Client
}

// NewHTTP builds the HTTP relay. providerAPIKey is the server-held
// credential re-attached to every upstream call; it is never read from or
// written to a client-visible place.
func NewHTTP(tokens *token.Service, sessionMgr *sessions.Manager, providerAPIKey string, sink audit.Sink) *HTTP {
	return &HTTP{
		tokens:      tokens,
		sessions:    sessionMgr,
		providerKey: providerAPIKey,
		audit:       sink,
		client:      &http.Client{Timeout: upstreamTimeout},
	}
}

// Execute handles POST …/relay/{sid}/execute.
func (h *HTTP) Execute(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "execute", "execute", false)
}

// Upload handles POST …/relay/{sid}/upload?path=….
func (h *HTTP) Upload(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "upload", "upload", false)
}

// Download handles GET …/relay/{sid}/download?path=….
func (h *HTTP) Download(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "download", "download", true)
}

// forward implements the shared authenticate-authorize-proxy sequence for
// all three endpoints. stream selects whether the upstream body is copied
// incrementally (download) or read fully first (execute, upload).
func (h *HTTP) forward(w http.ResponseWriter, r *http.Request, op, capability string, stream bool) {
	sessionID := r.PathValue("sid")

	if capability == "upload" || capability == "download" {
		if r.URL.Query().Get("path") == "" {
			h.deny(w, r, op, "", apierr.New(apierr.InvalidRequest, "path query parameter is required"))
			return
		}
	}

	record, claims, aerr := h.authenticate(r, sessionID, capability)
	if aerr != nil {
		h.deny(w, r, op, claims.subjectOrEmpty(), aerr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	upstreamURL := record.DataplaneURL + "/" + op
	if v := r.URL.Query().Get("path"); v != "" {
		upstreamURL += "?path=" + v
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		h.deny(w, r, op, record.PrincipalID, apierr.New(apierr.BackendUnavailable, "building upstream request"))
		return
	}
	req.Header.Set("X-Api-Key", h.providerKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := h.client.Do(req)
	if err != nil {
		h.deny(w, r, op, record.PrincipalID, apierr.New(apierr.BackendUnavailable, "upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	if stream {
		io.Copy(w, resp.Body)
	} else {
		body, _ := io.ReadAll(resp.Body)
		w.Write(body)
	}

	h.record(r.Context(), op, record.PrincipalID, sessionID, "allow", "")
}

// authenticate runs the C5 + C3 checks shared by every relay endpoint:
// verify the token, require the endpoint's capability, load the session
// record, and enforce the two binding checks (token.sid == path sid,
// token.sub == record.principal_id).
func (h *HTTP) authenticate(r *http.Request, sessionID, capability string) (*store.SessionRecord, *claimsView, *apierr.Error) {
	tokenString := bearerOrAPIKey(r)
	if tokenString == "" {
		return nil, nil, apierr.New(apierr.Unauthenticated, "no credential presented")
	}

	claims, err := h.tokens.Verify(tokenString)
	if err != nil {
		return nil, nil, mapVerifyErr(err)
	}
	view := &claimsView{subject: claims.Subject}

	if claims.SessionID != sessionID {
		return nil, view, apierr.New(apierr.Forbidden, "token is not bound to this session")
	}
	if !claims.HasCapability(capability) {
		return nil, view, apierr.New(apierr.CapabilityDenied, "token lacks required capability")
	}

	record, serr := h.sessions.GetOwned(r.Context(), claims.Subject, sessionID)
	if serr != nil {
		apiErr, ok := serr.(*apierr.Error)
		if !ok {
			apiErr = apierr.New(apierr.BackendUnavailable, "session lookup failed")
		}
		return nil, view, apiErr
	}
	if record.PrincipalID != claims.Subject {
		return nil, view, apierr.New(apierr.Forbidden, "session does not belong to this principal")
	}

	return record, view, nil
}

func (h *HTTP) deny(w http.ResponseWriter, r *http.Request, op, principal string, err error) {
	apierr.Write(w, err)
	h.record(r.Context(), op, principal, r.PathValue("sid"), "deny", err.Error())
}

func (h *HTTP) record(ctx context.Context, action, principal, sessionID, outcome, detail string) {
	if h.audit == nil {
		return
	}
	h.audit.Write(ctx, audit.Entry{
		Time:      time.Now(),
		Action:    "relay." + action,
		Principal: principal,
		SessionID: sessionID,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// claimsView carries just enough of token.Claims into error paths so audit
// entries can still be attributed to a subject even when authorization
// fails before the session record loads.
type claimsView struct {
	subject string
}

func (c *claimsView) subjectOrEmpty() string {
	if c == nil {
		return ""
	}
	return c.subject
}

// bearerOrAPIKey extracts the access token from either header, bearer
// preferred, matching the relay's accepted-credential rule.
func bearerOrAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
	}
	return r.Header.Get("X-Api-Key")
}

func mapVerifyErr(err error) *apierr.Error {
	if errors.Is(err, token.ErrExpired) {
		return apierr.New(apierr.TokenExpired, "token expired")
	}
	return apierr.New(apierr.Unauthenticated, "invalid token")
}
