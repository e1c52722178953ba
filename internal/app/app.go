// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    : configuration store (Redis when STORE_MODE=redis)
//  2. initServices : metrics, provider registry, key pools
//  3. initProviders: image adapters and key seeding
//  4. initGateway  : routing, orchestration, output shaping, HTTP surface
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/image-gateway/internal/asynctask"
	"github.com/nulpointcorp/image-gateway/internal/config"
	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/keys"
	"github.com/nulpointcorp/image-gateway/internal/logger"
	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	geminiprov "github.com/nulpointcorp/image-gateway/internal/providers/gemini"
	hfprov "github.com/nulpointcorp/image-gateway/internal/providers/huggingface"
	modelscopeprov "github.com/nulpointcorp/image-gateway/internal/providers/modelscope"
	openaiprov "github.com/nulpointcorp/image-gateway/internal/providers/openai"
	"github.com/nulpointcorp/image-gateway/internal/proxy"
	"github.com/nulpointcorp/image-gateway/internal/registry"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	store *store.Store
	prom  *metrics.Registry
	reg   *registry.Registry
	keys  *keys.Manager

	fetcher *imageref.Fetcher
	inliner *imageref.Inliner

	genLogger *logger.Logger
	chSink    *logger.ClickHouseSink

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"providers", a.initProviders},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Any("providers", a.reg.Names()),
	)

	a.keys.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times from the shutdown path.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.keys != nil {
		a.keys.Stop()
	}
	if a.genLogger != nil {
		if err := a.genLogger.Close(); err != nil {
			a.log.Error("generation log close error", slog.String("error", err.Error()))
		}
		a.genLogger = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
		// The redis backend owns the client.
		a.rdb = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates the enabled adapters. Credentials are not bound
// here: every adapter receives its key per call from the pool.
func (a *App) buildProviders() []providers.Provider {
	cfg := a.cfg
	timeout := cfg.Failover.ProviderTimeout
	var out []providers.Provider

	if cfg.OpenAI.Enabled {
		out = append(out, openaiprov.New(
			openaiprov.WithBaseURL(cfg.OpenAI.BaseURL),
			openaiprov.WithMaxNative(cfg.OpenAI.MaxNativeImages),
			openaiprov.WithTimeout(timeout),
			openaiprov.WithFetcher(a.fetcher),
		))
	}
	if cfg.Gemini.Enabled {
		out = append(out, geminiprov.New(
			geminiprov.WithBaseURL(cfg.Gemini.BaseURL),
			geminiprov.WithTimeout(timeout),
			geminiprov.WithFetcher(a.fetcher),
		))
	}
	if cfg.ModelScope.Enabled {
		out = append(out, modelscopeprov.New(
			modelscopeprov.WithBaseURL(cfg.ModelScope.BaseURL),
			modelscopeprov.WithHTTPClient(&http.Client{Timeout: timeout}),
			modelscopeprov.WithPollConfig(asynctask.Config{
				Interval:    cfg.ModelScope.PollInterval,
				MaxAttempts: cfg.ModelScope.PollAttempts,
			}),
			modelscopeprov.WithPollerOptions(
				asynctask.WithLogger(a.log),
				asynctask.WithMetrics(a.prom),
			),
			modelscopeprov.WithInliner(a.inliner),
		))
	}
	if cfg.HuggingFace.Enabled {
		out = append(out, hfprov.New(a.keys,
			hfprov.WithBaseURL(cfg.HuggingFace.BaseURL),
			hfprov.WithHTTPClient(&http.Client{Timeout: timeout}),
			hfprov.WithRetryAttempts(cfg.Generation.TokenRetryAttempts),
			hfprov.WithLogger(a.log),
			hfprov.WithMetrics(a.prom),
		))
	}

	return out
}

// seedKeys adds the configured *_API_KEYS to their pools. Keys already
// pooled (a persistent store survives restarts) are skipped.
func (a *App) seedKeys(ctx context.Context) error {
	seeds := map[string][]string{
		"openai":      a.cfg.OpenAI.APIKeys,
		"gemini":      a.cfg.Gemini.APIKeys,
		"modelscope":  a.cfg.ModelScope.APIKeys,
		"huggingface": a.cfg.HuggingFace.APIKeys,
	}
	for _, name := range a.reg.Names() {
		added := 0
		for _, secret := range seeds[name] {
			_, err := a.keys.AddKey(ctx, name, secret, "")
			switch {
			case err == nil:
				added++
			case errors.Is(err, keys.ErrDuplicateKey):
			case errors.Is(err, keys.ErrInvalidFormat):
				a.log.Warn("seed key rejected",
					slog.String("provider", name),
					slog.String("key", providers.Credential{Key: secret}.Redacted()),
				)
			default:
				return fmt.Errorf("seed %s keys: %w", name, err)
			}
		}
		if added > 0 {
			a.log.Info("keys seeded", slog.String("provider", name), slog.Int("count", added))
		}
	}
	return nil
}
