// Package config resolves SSAP's runtime configuration (C1): named values
// with defaults, read once at startup and never mutated afterward.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rjsadow/ssap/internal/secrets"
)

// Config is the fully resolved, read-only configuration for one process.
type Config struct {
	Enabled          bool
	TokenTTL         time.Duration
	SessionMaxTTL    time.Duration
	JWTSecret        []byte
	JWTIssuer        string
	ProviderTag      string
	Capabilities     []string

	Provider   ProviderConfig
	Store      StoreConfig
	Principal  PrincipalConfig
	RateLimit  RateLimitConfig
	Audit      AuditConfig

	ListenAddr string
}

// ProviderConfig configures the provider client backend (C2).
type ProviderConfig struct {
	Backend            string // "http" or "kubernetes"
	Endpoint           string
	ControlBase        string
	APIKey             string
	TemplateName       string
	AutoCreateTemplate bool
	TemplateImage      string
	CPU                string
	Memory             string
	Storage            string

	// Kubernetes backend only.
	K8sNamespace        string
	K8sKubeconfig       string
	K8sControlPlaneCIDR string
}

// StoreConfig configures the session store backend (C3).
type StoreConfig struct {
	Backend string // "memory" or "sql"
	DBType  string // "sqlite" or "postgres", when Backend == "sql"
	DSN     string
}

// PrincipalConfig configures the request-scope principal extractor (C8).
type PrincipalConfig struct {
	Backend          string // "header", "oidc", or "apikey"
	IdentityHeader   string
	AnonFallback     string // "client" (default) or "hash"
	OIDCIssuer       string
	OIDCClientID     string
	APIKeyHashes     []string // bcrypt hashes, name encoded as "name:hash"
}

// RateLimitConfig configures the per-IP acquire-endpoint limiter (S3).
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// AuditConfig configures the audit sink (S1).
type AuditConfig struct {
	Backend    string // "memory" or "s3"
	BufferSize int
	S3Bucket   string
	S3Prefix   string
	S3Region   string
}

// Load resolves configuration from SSAP_-prefixed environment variables,
// falling back to the documented defaults on malformed or absent input.
// Secret-valued fields (jwt_secret, provider.api_key) are resolved through
// secretsMgr first, falling back to SSAP_JWT_SECRET / SSAP_PROVIDER_API_KEY
// from the environment.
func Load(ctx context.Context, secretsMgr *secrets.Manager) (*Config, error) {
	cfg := &Config{
		Enabled:       getEnvBool("SSAP_ENABLED", true),
		TokenTTL:      time.Duration(getEnvIntMin("SSAP_TOKEN_TTL_MINUTES", 60, 1)) * time.Minute,
		SessionMaxTTL: time.Duration(getEnvIntMin("SSAP_SESSION_MAX_HOURS", 8, 1)) * time.Hour,
		JWTIssuer:     getEnv("SSAP_JWT_ISSUER", "ssap"),
		ProviderTag:   getEnv("SSAP_PROVIDER_TAG", "default"),
		Capabilities:  getEnvStringSlice("SSAP_CAPABILITIES", []string{"execute", "upload", "download"}),
		ListenAddr:    getEnv("SSAP_LISTEN_ADDR", ":8080"),

		Provider: ProviderConfig{
			Backend:             getEnv("SSAP_PROVIDER_BACKEND", "http"),
			Endpoint:            getEnv("SSAP_PROVIDER_ENDPOINT", ""),
			ControlBase:         getEnv("SSAP_PROVIDER_CONTROL_BASE", ""),
			TemplateName:        getEnv("SSAP_TEMPLATE_NAME", "ssap-default"),
			AutoCreateTemplate:  getEnvBool("SSAP_AUTO_CREATE_TEMPLATE", true),
			TemplateImage:       getEnv("SSAP_TEMPLATE_IMAGE", ""),
			CPU:                 getEnv("SSAP_TEMPLATE_CPU", ""),
			Memory:              getEnv("SSAP_TEMPLATE_MEMORY", ""),
			Storage:             getEnv("SSAP_TEMPLATE_STORAGE", ""),
			K8sNamespace:        getEnv("SSAP_K8S_NAMESPACE", "default"),
			K8sKubeconfig:       getEnv("SSAP_K8S_KUBECONFIG", ""),
			K8sControlPlaneCIDR: getEnv("SSAP_K8S_CONTROL_PLANE_CIDR", ""),
		},

		Store: StoreConfig{
			Backend: getEnv("SSAP_STORE_BACKEND", "memory"),
			DBType:  getEnv("SSAP_STORE_DB_TYPE", "sqlite"),
			DSN:     getEnv("SSAP_STORE_DSN", ":memory:"),
		},

		Principal: PrincipalConfig{
			Backend:        getEnv("SSAP_PRINCIPAL_BACKEND", "header"),
			IdentityHeader: getEnv("SSAP_IDENTITY_HEADER", "X-Identity"),
			AnonFallback:   getEnv("SSAP_ANON_FALLBACK", "client"),
			OIDCIssuer:     getEnv("SSAP_OIDC_ISSUER", ""),
			OIDCClientID:   getEnv("SSAP_OIDC_CLIENT_ID", ""),
			APIKeyHashes:   getEnvStringSlice("SSAP_API_KEY_HASHES", nil),
		},

		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("SSAP_RATE_LIMIT_RPS", 1.0),
			Burst:             getEnvIntMin("SSAP_RATE_LIMIT_BURST", 5, 1),
		},

		Audit: AuditConfig{
			Backend:    getEnv("SSAP_AUDIT_BACKEND", "memory"),
			BufferSize: getEnvIntMin("SSAP_AUDIT_BUFFER_SIZE", 1000, 1),
			S3Bucket:   getEnv("SSAP_AUDIT_S3_BUCKET", ""),
			S3Prefix:   getEnv("SSAP_AUDIT_S3_PREFIX", "ssap-audit/"),
			S3Region:   getEnv("SSAP_AUDIT_S3_REGION", ""),
		},
	}

	secret, err := resolveJWTSecret(ctx, secretsMgr)
	if err != nil {
		return nil, err
	}
	cfg.JWTSecret = secret

	cfg.Provider.APIKey = resolveProviderAPIKey(ctx, secretsMgr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveProviderAPIKey(ctx context.Context, secretsMgr *secrets.Manager) string {
	if secretsMgr != nil {
		return secretsMgr.GetOrDefault(ctx, secrets.KeyProviderAPIKey, os.Getenv("SSAP_PROVIDER_API_KEY"))
	}
	return os.Getenv("SSAP_PROVIDER_API_KEY")
}

func resolveJWTSecret(ctx context.Context, secretsMgr *secrets.Manager) ([]byte, error) {
	if secretsMgr != nil {
		if v, err := secretsMgr.Get(ctx, secrets.KeyJWTSecret); err == nil && v != "" {
			return []byte(v), nil
		}
	}
	if v := os.Getenv("SSAP_JWT_SECRET"); v != "" {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("config: jwt_secret is required (set SSAP_JWT_SECRET or configure a secrets provider)")
}

// Validate checks cross-field constraints that a single default cannot
// express on its own.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: jwt_secret must be at least 32 bytes")
	}
	switch c.Provider.Backend {
	case "http":
		if c.Provider.Endpoint == "" {
			return fmt.Errorf("config: SSAP_PROVIDER_ENDPOINT is required for the http provider backend")
		}
	case "kubernetes":
		// No endpoint needed; the in-cluster or kubeconfig client resolves it.
	default:
		return fmt.Errorf("config: unknown provider backend %q", c.Provider.Backend)
	}
	switch c.Store.Backend {
	case "memory", "sql":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Principal.Backend {
	case "header", "oidc", "apikey":
	default:
		return fmt.Errorf("config: unknown principal backend %q", c.Principal.Backend)
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("config: capabilities must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvIntMin parses key as an integer, falling back to fallback on a
// missing or malformed value, and clamping anything below min up to min.
func getEnvIntMin(key string, fallback, min int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvStringSlice parses a comma-separated ordered set, preserving order
// and dropping blanks.
func getEnvStringSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
