package principal

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCExtractor verifies an OIDC ID token presented as a bearer token and
// uses its sub claim as the principal. Used by deployments that terminate
// their own ingress auth at SSAP rather than in front of it.
type OIDCExtractor struct {
	verifier *oidc.IDTokenVerifier
	fallback Extractor
}

// NewOIDCExtractor discovers the issuer's OIDC configuration and builds a
// verifier scoped to clientID. fallback is used when the request carries no
// bearer token at all (so anonymous traffic still resolves to a principal).
func NewOIDCExtractor(ctx context.Context, issuer, clientID string, fallback Extractor) (*OIDCExtractor, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("principal: discovering oidc provider at %s: %w", issuer, err)
	}
	return &OIDCExtractor{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		fallback: fallback,
	}, nil
}

func (o *OIDCExtractor) Extract(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return o.fallback.Extract(r)
	}

	idToken, err := o.verifier.Verify(r.Context(), token)
	if err != nil {
		return o.fallback.Extract(r)
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Subject == "" {
		return o.fallback.Extract(r)
	}
	return "oidc:" + claims.Subject
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}
