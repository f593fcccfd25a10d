package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/ssap/internal/apierr"
	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/store"
	"github.com/rjsadow/ssap/internal/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// closeAuthFailed is the WebSocket close code the tunnel uses for every
// auth failure, regardless of which taxonomy code caused it.
const closeAuthFailed = 4401

// WS is the C7 handler: the full-duplex tunnel at
// …/relay/{session_id}/execute/ws.
type WS struct {
	tokens   *token.Service
	sessions *sessions.Manager
	provKey  string
	audit    audit.Sink
}

// NewWS builds the WebSocket relay.
func NewWS(tokens *token.Service, sessionMgr *sessions.Manager, providerAPIKey string, sink audit.Sink) *WS {
	return &WS{tokens: tokens, sessions: sessionMgr, provKey: providerAPIKey, audit: sink}
}

// ServeHTTP accepts the client handshake, authenticates, opens the
// upstream tunnel, and runs the dual pump until either side closes.
func (w *WS) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sid")

	clientConn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	record, aerr := w.authenticate(r, sessionID)
	if aerr != nil {
		w.rejectHandshake(clientConn, aerr)
		w.record(r.Context(), sessionID, "", "deny", aerr.Error())
		return
	}

	upstreamURL := toWebsocketURL(record.DataplaneURL) + "/execute/ws"
	dialer := websocket.Dialer{ReadBufferSize: 4096, WriteBufferSize: 4096}
	header := http.Header{"X-Api-Key": {w.provKey}}

	upstreamConn, _, err := dialer.Dial(upstreamURL, header)
	if err != nil {
		w.rejectHandshake(clientConn, apierr.New(apierr.BackendUnavailable, "could not reach sandbox"))
		w.record(r.Context(), sessionID, record.PrincipalID, "deny", "upstream dial failed")
		return
	}
	defer upstreamConn.Close()
	// Upstream tunnel has no message-size cap: SetReadLimit is
	// intentionally never called here.

	w.record(r.Context(), sessionID, record.PrincipalID, "allow", "")
	w.pump(clientConn, upstreamConn)
}

// pump runs the two directional copies and tears both down as soon as
// either completes.
func (w *WS) pump(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		copyFrames(client, upstream)
		done <- struct{}{}
	}()
	go func() {
		copyFrames(upstream, client)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	upstream.Close()
}

// copyFrames forwards each frame from src to dst, preserving its kind
// (text or binary), until src closes or errors.
func copyFrames(src, dst *websocket.Conn) {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (w *WS) authenticate(r *http.Request, sessionID string) (*store.SessionRecord, *apierr.Error) {
	tokenString := bearerOrAPIKey(r)
	if tokenString == "" {
		return nil, apierr.New(apierr.Unauthenticated, "no credential presented")
	}

	claims, err := w.tokens.Verify(tokenString)
	if err != nil {
		return nil, mapVerifyErr(err)
	}
	if claims.SessionID != sessionID {
		return nil, apierr.New(apierr.Forbidden, "token is not bound to this session")
	}
	if !claims.HasCapability("execute") {
		return nil, apierr.New(apierr.CapabilityDenied, "token lacks required capability")
	}

	record, serr := w.sessions.GetOwned(r.Context(), claims.Subject, sessionID)
	if serr != nil {
		apiErr, ok := serr.(*apierr.Error)
		if !ok {
			apiErr = apierr.New(apierr.BackendUnavailable, "session lookup failed")
		}
		return nil, apiErr
	}
	if record.PrincipalID != claims.Subject {
		return nil, apierr.New(apierr.Forbidden, "session does not belong to this principal")
	}

	return record, nil
}

type errorFrame struct {
	Type      string `json:"type"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}

// rejectHandshake sends a single best-effort JSON error frame then closes
// with 4401, the fixed close code for every auth failure on this tunnel.
func (w *WS) rejectHandshake(conn *websocket.Conn, err *apierr.Error) {
	payload, marshalErr := json.Marshal(errorFrame{Type: "error", ErrorType: "RelayError", Error: err.Message})
	if marshalErr == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	closeMsg := websocket.FormatCloseMessage(closeAuthFailed, err.Message)
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
}

func (w *WS) record(ctx context.Context, sessionID, principal, outcome, detail string) {
	if w.audit == nil {
		return
	}
	w.audit.Write(ctx, audit.Entry{
		Time:      time.Now(),
		Action:    "relay.execute_ws",
		Principal: principal,
		SessionID: sessionID,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// toWebsocketURL swaps an http(s) dataplane URL's scheme to ws(s),
// matching the documented ws_base_url derivation.
func toWebsocketURL(dataplaneURL string) string {
	switch {
	case strings.HasPrefix(dataplaneURL, "https://"):
		return "wss://" + strings.TrimPrefix(dataplaneURL, "https://")
	case strings.HasPrefix(dataplaneURL, "http://"):
		return "ws://" + strings.TrimPrefix(dataplaneURL, "http://")
	default:
		return dataplaneURL
	}
}
