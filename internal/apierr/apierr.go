// Package apierr defines the error taxonomy shared by every HTTP surface in
// the session broker and maps it to the single JSON error envelope clients
// see on every non-2xx response.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Code identifies a taxonomy entry. Codes are part of the wire contract and
// must not be renamed once shipped.
type Code string

const (
	InvalidRequest     Code = "INVALID_REQUEST"
	Unauthenticated    Code = "UNAUTHENTICATED"
	TokenExpired       Code = "TOKEN_EXPIRED"
	CapabilityDenied   Code = "CAPABILITY_DENIED"
	Forbidden          Code = "FORBIDDEN"
	NotFound           Code = "NOT_FOUND"
	SessionNotFound    Code = "SESSION_NOT_FOUND"
	SessionExpired     Code = "SESSION_EXPIRED"
	BackendUnavailable Code = "BACKEND_UNAVAILABLE"
)

var statusFor = map[Code]int{
	InvalidRequest:     http.StatusBadRequest,
	Unauthenticated:    http.StatusUnauthorized,
	TokenExpired:       http.StatusUnauthorized,
	CapabilityDenied:   http.StatusForbidden,
	Forbidden:          http.StatusForbidden,
	NotFound:           http.StatusNotFound,
	SessionNotFound:    http.StatusNotFound,
	SessionExpired:     http.StatusGone,
	BackendUnavailable: http.StatusServiceUnavailable,
}

// retryableStatus holds the status codes spec'd as retryable: 423 (locked, reserved
// for a future queued-acquire path), 429 (rate limited), 503 (backend down).
var retryableStatus = map[int]bool{
	http.StatusLocked:              true,
	http.StatusTooManyRequests:     true,
	http.StatusServiceUnavailable:  true,
}

// Error is an error carrying a taxonomy code and an HTTP status. It is the
// only error type handlers should return up to the top-level writer.
type Error struct {
	Status  int
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New builds an Error from a taxonomy code, deriving its status from the
// table above.
func New(code Code, message string) *Error {
	status, ok := statusFor[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Status: status, Code: code, Message: message}
}

// RateLimited builds the 429 used by the acquire-endpoint limiter. It has no
// dedicated taxonomy entry in spec.md, so it reuses INVALID_REQUEST's shape
// with the 429 status, matching the retryable rule.
func RateLimited(message string) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: InvalidRequest, Message: message}
}

// envelope is the exact wire shape: {"error": {"code", "message", "retryable"}}.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Write serializes err as the standard envelope and sets the response status.
// If err is not *Error, it is treated as an unexpected internal failure and
// its message is never forwarded to the client.
func Write(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = &Error{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Retryable: retryableStatus[apiErr.Status],
	}})
}
