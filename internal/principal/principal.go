// Package principal implements the request-scope principal extractor (C8):
// resolving the caller's opaque identity from the inbound request, with
// three selectable backends.
package principal

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// AnonymousPrincipal is the stable fallback identity used when no ingress
// identity is present and hashed-fallback is not configured.
const AnonymousPrincipal = "client:anonymous"

// Extractor resolves the principal for an inbound request. Implementations
// never fail closed on a missing identity — they fall back to an opaque,
// stable identity instead, matching spec.md's "principal strings are
// treated as opaque" contract.
type Extractor interface {
	Extract(r *http.Request) string
}

// HeaderExtractor is the default C8 backend: it trusts a framework/ingress
// supplied identity header, verbatim, with no further authentication of its
// own. It is meant to sit behind a gateway that has already authenticated
// the caller and injected the header.
type HeaderExtractor struct {
	// HeaderName is the ingress-supplied identity header, e.g. "X-Identity".
	HeaderName string
	// HashFallback, when true, derives the fallback principal from a
	// truncated SHA-256 of the raw Authorization header instead of the
	// fixed AnonymousPrincipal (SSAP_ANON_FALLBACK=hash).
	HashFallback bool
}

// NewHeaderExtractor builds a HeaderExtractor. anonFallback is the config
// value "client" (default) or "hash".
func NewHeaderExtractor(headerName, anonFallback string) *HeaderExtractor {
	return &HeaderExtractor{
		HeaderName:   headerName,
		HashFallback: anonFallback == "hash",
	}
}

func (h *HeaderExtractor) Extract(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(h.HeaderName)); id != "" {
		return id
	}
	if h.HashFallback {
		if auth := r.Header.Get("Authorization"); auth != "" {
			return hashedAnonymous(auth)
		}
	}
	return AnonymousPrincipal
}

func hashedAnonymous(authHeader string) string {
	sum := sha256.Sum256([]byte(authHeader))
	return "client:" + hex.EncodeToString(sum[:])[:16]
}
