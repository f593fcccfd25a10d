package plugins

import (
	"context"

	"github.com/rjsadow/ssap/internal/config"
	"github.com/rjsadow/ssap/internal/principal"
	"github.com/rjsadow/ssap/internal/provider"
)

func newHTTPProvider(_ context.Context, cfg *config.Config) (provider.Client, error) {
	return provider.NewHTTPClient(cfg.Provider.Endpoint, cfg.Provider.APIKey), nil
}

func newKubernetesProvider(_ context.Context, cfg *config.Config) (provider.Client, error) {
	templateImages := map[string]string{}
	if cfg.Provider.TemplateImage != "" {
		templateImages[cfg.Provider.TemplateName] = cfg.Provider.TemplateImage
	}
	return provider.NewKubernetesClient(provider.KubernetesConfig{
		Namespace:         cfg.Provider.K8sNamespace,
		Kubeconfig:        cfg.Provider.K8sKubeconfig,
		TemplateImages:    templateImages,
		ControlPlaneCIDR:  cfg.Provider.K8sControlPlaneCIDR,
	})
}

func newHeaderPrincipal(_ context.Context, cfg *config.Config) (principal.Extractor, error) {
	return principal.NewHeaderExtractor(cfg.Principal.IdentityHeader, cfg.Principal.AnonFallback), nil
}

func newOIDCPrincipal(ctx context.Context, cfg *config.Config) (principal.Extractor, error) {
	fallback := principal.NewHeaderExtractor(cfg.Principal.IdentityHeader, cfg.Principal.AnonFallback)
	return principal.NewOIDCExtractor(ctx, cfg.Principal.OIDCIssuer, cfg.Principal.OIDCClientID, fallback)
}

func newAPIKeyPrincipal(_ context.Context, cfg *config.Config) (principal.Extractor, error) {
	fallback := principal.NewHeaderExtractor(cfg.Principal.IdentityHeader, cfg.Principal.AnonFallback)
	return principal.NewAPIKeyExtractor(cfg.Principal.APIKeyHashes, fallback), nil
}
