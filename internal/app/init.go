package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/image-gateway/internal/generation"
	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/imagestore"
	"github.com/nulpointcorp/image-gateway/internal/keys"
	"github.com/nulpointcorp/image-gateway/internal/logger"
	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/prompt"
	"github.com/nulpointcorp/image-gateway/internal/proxy"
	"github.com/nulpointcorp/image-gateway/internal/ratelimit"
	"github.com/nulpointcorp/image-gateway/internal/registry"
	"github.com/nulpointcorp/image-gateway/internal/routing"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// initInfra opens the configuration store. Redis is only required when
// STORE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.store = store.New(store.NewRedisBackend(rdb, a.cfg.Store.Key))
		a.log.Info("store backend: redis", slog.String("key", a.cfg.Store.Key))

	case "memory":
		a.store = store.NewMemory()
		a.log.Info("store backend: memory (in-process, not shared across replicas)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initServices creates the metrics registry, the provider registry and the
// key-pool manager.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.reg = registry.New(a.store, a.log)
	a.keys = keys.New(a.store, keys.Options{
		Anonymous:     a.reg.SupportsAnonymous,
		FormatCheck:   a.reg.DetectCredentialFormat,
		ResetInterval: a.cfg.Keys.ResetInterval,
		Logger:        a.log,
		Metrics:       a.prom,
	})

	a.fetcher = imageref.NewFetcher(&http.Client{Timeout: a.cfg.Failover.ProviderTimeout})
	a.inliner = imageref.NewInliner(a.fetcher, a.log)

	return nil
}

// initProviders registers the image adapters and seeds their key pools.
func (a *App) initProviders(ctx context.Context) error {
	for _, p := range a.buildProviders() {
		if err := a.reg.Register(p); err != nil {
			return err
		}
	}
	if len(a.reg.Names()) == 0 {
		return fmt.Errorf("every provider is disabled")
	}
	a.log.Info("providers loaded", slog.Any("providers", a.reg.Names()))

	return a.seedKeys(ctx)
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	// ── Generation pipeline ──────────────────────────────────────────────────
	var proc prompt.Processor
	if a.cfg.Prompt.Enhancer == "anthropic" {
		proc = prompt.NewAnthropicEnhancer(a.cfg.Prompt.AnthropicAPIKey,
			prompt.WithBaseURL(a.cfg.Prompt.AnthropicURL),
			prompt.WithModel(a.cfg.Prompt.AnthropicModel),
		)
		a.log.Info("prompt enhancer enabled", slog.String("model", a.cfg.Prompt.AnthropicModel))
	}

	orch := generation.New(a.store, generation.Options{
		Processor: proc,
		Stagger:   a.cfg.Generation.FanOutStagger,
		Logger:    a.log,
		Metrics:   a.prom,
	})

	// ── Build the gateway ────────────────────────────────────────────────────
	gw := proxy.NewGateway(a.baseCtx, proxy.Deps{
		Registry:     a.reg,
		Router:       routing.New(a.reg, a.store, nil, a.log, a.prom),
		Orchestrator: orch,
		Keys:         a.keys,
		Store:        a.store,
	}, proxy.GatewayOptions{
		Logger:     a.log,
		MaxRetries: a.cfg.Failover.MaxRetries,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		HealthInterval: a.cfg.Keys.HealthInterval,
		Metrics:        a.prom,
		AdminToken:     a.cfg.AdminToken,
		CORSOrigins:    a.cfg.CORSOrigins,
	})
	a.gw = gw

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting needs Redis.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit,
			ratelimit.WithLogger(a.log),
			ratelimit.WithMetrics(a.prom),
		))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if err := a.initGenerationLog(ctx); err != nil {
		return err
	}
	gw.SetLogger(a.genLogger)

	if a.cfg.Generation.InlineRemoteImages {
		gw.SetInliner(a.inliner)
	}

	if a.cfg.Output.Store == "s3" {
		pub, err := imagestore.NewS3(ctx, imagestore.Config{
			Bucket:      a.cfg.Output.S3Bucket,
			Region:      a.cfg.Output.S3Region,
			AccessKeyID: a.cfg.Output.S3AccessKey,
			SecretKey:   a.cfg.Output.S3SecretKey,
			Endpoint:    a.cfg.Output.S3Endpoint,
			PathPrefix:  a.cfg.Output.S3PathPrefix,
			PublicURL:   a.cfg.Output.S3PublicURL,
		}, a.log)
		if err != nil {
			return fmt.Errorf("output store: %w", err)
		}
		gw.SetPublisher(pub)
		a.log.Info("output store: s3", slog.String("bucket", a.cfg.Output.S3Bucket))
	}

	if a.cfg.AdminToken == "" {
		a.log.Warn("ADMIN_TOKEN not set; admin API disabled")
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// initGenerationLog starts the async per-request log on the configured sink.
func (a *App) initGenerationLog(ctx context.Context) error {
	var sink logger.Sink
	switch a.cfg.GenerationLog.Sink {
	case "clickhouse":
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.GenerationLog.ClickHouseDSN, a.cfg.GenerationLog.ClickHouseTable)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sink = ch
		a.log.Info("generation log sink: clickhouse", slog.String("table", a.cfg.GenerationLog.ClickHouseTable))
	default:
		sink = logger.NewSlogSink(a.log)
	}

	l, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("generation log: %w", err)
	}
	a.genLogger = l
	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
