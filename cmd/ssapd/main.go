// Command ssapd runs the SSAP session broker: it binds conversation threads
// to sandbox sessions, issues short-lived capability tokens, and relays HTTP
// and WebSocket traffic to each sandbox's data plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjsadow/ssap/internal/archive"
	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/config"
	"github.com/rjsadow/ssap/internal/diagnostics"
	"github.com/rjsadow/ssap/internal/middleware"
	"github.com/rjsadow/ssap/internal/plugins"
	"github.com/rjsadow/ssap/internal/provider"
	"github.com/rjsadow/ssap/internal/relay"
	"github.com/rjsadow/ssap/internal/secrets"
	"github.com/rjsadow/ssap/internal/server"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/store"
	"github.com/rjsadow/ssap/internal/token"
)

const (
	sweepInterval   = 5 * time.Minute
	sweepStaleAfter = 2 * sweepInterval
	shutdownTimeout = 15 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx := context.Background()

	if err := run(ctx); err != nil {
		slog.Error("ssapd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	secretsCfg := secrets.LoadConfig()
	secretsMgr, err := secrets.NewManager(secretsCfg)
	if err != nil {
		return err
	}
	defer secretsMgr.Close()

	cfg, err := config.Load(ctx, secretsMgr)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		slog.Warn("ssap is disabled via configuration (SSAP_ENABLED=false); serving 404 on every sandbox route")
	}

	sessionStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	registry := plugins.NewRegistry()
	providerClient, err := registry.BuildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	principalExtractor, err := registry.BuildPrincipal(ctx, cfg)
	if err != nil {
		return err
	}

	if err := ensureConfiguredTemplate(ctx, providerClient, cfg.Provider); err != nil {
		return err
	}

	sessionMgr := sessions.NewManager(sessionStore, providerClient, cfg.Capabilities, cfg.SessionMaxTTL, cfg.Provider.TemplateName)

	tokens, err := token.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	if err != nil {
		return err
	}

	auditSink, err := openAuditSink(cfg.Audit)
	if err != nil {
		return err
	}
	defer auditSink.Close()

	var lastSweepAt atomic.Int64
	stopSweep := startSweepLoop(sessionStore, &lastSweepAt)
	defer close(stopSweep)

	diagCollector := diagnostics.NewCollector(sessionStore, providerClient, &lastSweepAt, sweepStaleAfter)

	app := &server.App{
		Config:      cfg,
		Sessions:    sessionMgr,
		Tokens:      tokens,
		Principals:  principalExtractor,
		Diagnostics: diagCollector,
		Audit:       auditSink,
		RateLimit:   middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		HTTPRelay:   relay.NewHTTP(tokens, sessionMgr, cfg.Provider.APIKey, auditSink),
		WSRelay:     relay.NewWS(tokens, sessionMgr, cfg.Provider.APIKey, auditSink),
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: app.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("ssapd listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-serveErr
}

// ensureConfiguredTemplate runs the startup hook: if auto_create_template is
// set, confirm the configured template name is already known to the
// provider, and ensure it otherwise. Failure here is fatal to service start.
func ensureConfiguredTemplate(ctx context.Context, p provider.Client, cfg config.ProviderConfig) error {
	if !cfg.AutoCreateTemplate {
		return nil
	}

	names, err := p.ListTemplateNames(ctx)
	if err != nil {
		return fmt.Errorf("startup: list_template_names failed: %w", err)
	}
	for _, name := range names {
		if name == cfg.TemplateName {
			return nil
		}
	}

	slog.Info("template not found, ensuring it", "template_name", cfg.TemplateName)
	err = p.EnsureTemplate(ctx, provider.TemplateSpec{
		Name:    cfg.TemplateName,
		Image:   cfg.TemplateImage,
		CPU:     cfg.CPU,
		Memory:  cfg.Memory,
		Storage: cfg.Storage,
	})
	if err != nil {
		return fmt.Errorf("startup: ensure_template failed: %w", err)
	}
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sql":
		return store.OpenSQL(cfg.DBType, cfg.DSN)
	default:
		return store.NewMemory(), nil
	}
}

func openAuditSink(cfg config.AuditConfig) (audit.Sink, error) {
	if cfg.Backend != "s3" {
		return audit.NewMemory(cfg.BufferSize), nil
	}
	archiveStore, err := archive.NewStore(cfg.S3Bucket, cfg.S3Region, "", cfg.S3Prefix, "", "")
	if err != nil {
		return nil, err
	}
	return audit.NewS3Sink(cfg.BufferSize, archiveStore, 5*time.Minute), nil
}

// startSweepLoop periodically deletes expired session records and reports
// each completed pass through lastSweepAt, which diagnostics.Collector reads
// to judge sweep liveness. The returned channel stops the loop when closed.
func startSweepLoop(s store.Store, lastSweepAt *atomic.Int64) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.Sweep(ctx, time.Now())
				cancel()
				if err != nil {
					slog.Error("session sweep failed", "error", err)
					continue
				}
				lastSweepAt.Store(time.Now().UnixNano())
				if n > 0 {
					slog.Info("session sweep completed", "expired", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
