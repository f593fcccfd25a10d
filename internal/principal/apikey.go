package principal

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyExtractor accepts a pre-shared, bcrypt-hashed API key for
// service-to-service callers with no OIDC identity, mapping a matching key
// to a stable "service:<name>" principal. Grounded in the original Python
// demo's static bearer-token allowlist.
type APIKeyExtractor struct {
	entries  []apiKeyEntry
	fallback Extractor
}

type apiKeyEntry struct {
	name string
	hash []byte
}

// NewAPIKeyExtractor builds an extractor from entries of the form
// "name:bcryptHash" (the SSAP_API_KEY_HASHES config format). Malformed
// entries are skipped.
func NewAPIKeyExtractor(encoded []string, fallback Extractor) *APIKeyExtractor {
	entries := make([]apiKeyEntry, 0, len(encoded))
	for _, e := range encoded {
		name, hash, ok := strings.Cut(e, ":")
		if !ok || name == "" || hash == "" {
			continue
		}
		entries = append(entries, apiKeyEntry{name: name, hash: []byte(hash)})
	}
	return &APIKeyExtractor{entries: entries, fallback: fallback}
}

func (a *APIKeyExtractor) Extract(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if key == "" {
		return a.fallback.Extract(r)
	}

	for _, entry := range a.entries {
		if bcrypt.CompareHashAndPassword(entry.hash, []byte(key)) == nil {
			return "service:" + entry.name
		}
	}
	return a.fallback.Extract(r)
}
