package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/image-gateway/internal/keys"
	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/registry"
)

const (
	defaultHealthInterval = 30 * time.Second
	healthProbeTimeout    = 5 * time.Second
)

// Provider health states.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDisabled = "disabled"
	healthUnknown  = "unknown"
	healthDown     = "down"
)

// ProviderHealth is the last probe result for one provider.
type ProviderHealth struct {
	Status string         `json:"status"`
	Keys   keys.PoolStats `json:"keys"`
	Error  string         `json:"error,omitempty"`
}

// HealthOptions wires a HealthChecker.
type HealthOptions struct {
	Registry *registry.Registry
	Keys     *keys.Manager
	// Ping checks the configuration store.
	Ping     func(ctx context.Context) error
	Interval time.Duration
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// HealthChecker probes key pools and the store in the background and keeps
// the latest results.
//
// A provider is ok when it has a usable key or may run anonymously,
// degraded when its pool has nothing usable, disabled when switched off in
// the registry.
type HealthChecker struct {
	registry *registry.Registry
	keys     *keys.Manager
	ping     func(ctx context.Context) error
	interval time.Duration
	baseCtx  context.Context
	metrics  *metrics.Registry
	log      *slog.Logger

	mu        sync.RWMutex
	providers map[string]ProviderHealth
	store     string

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs a first probe synchronously and starts the loop.
func NewHealthChecker(ctx context.Context, opts HealthOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hc := &HealthChecker{
		registry:  opts.Registry,
		keys:      opts.Keys,
		ping:      opts.Ping,
		interval:  interval,
		baseCtx:   ctx,
		metrics:   opts.Metrics,
		log:       log,
		providers: make(map[string]ProviderHealth),
		store:     healthUnknown,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Providers     map[string]ProviderHealth `json:"providers"`
	Store         string                    `json:"store"`
}

// Snapshot returns the latest probe results. The overall status is ok when
// the store is reachable and at least one enabled provider is ok.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	provs := make(map[string]ProviderHealth, len(hc.providers))
	anyOK := false
	for name, ph := range hc.providers {
		provs[name] = ph
		if ph.Status == healthOK {
			anyOK = true
		}
	}

	overall := healthOK
	if hc.store != healthOK || !anyOK {
		overall = healthDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Store:         hc.store,
	}
}

// Provider returns the last result for name.
func (hc *HealthChecker) Provider(name string) (ProviderHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	ph, ok := hc.providers[name]
	return ph, ok
}

// Ready pings the store now.
func (hc *HealthChecker) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	status := hc.pingStore(ctx)
	hc.mu.Lock()
	hc.store = status
	hc.mu.Unlock()
	return status == healthOK
}

// Close stops the background loop.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	results := make(map[string]ProviderHealth)
	for _, p := range hc.registry.All() {
		name := p.Name()
		ph := hc.probeProvider(ctx, name)
		results[name] = ph
		hc.metrics.SetProviderHealth(name, ph.Status == healthOK)
	}
	store := hc.pingStore(ctx)

	hc.mu.Lock()
	for name, ph := range results {
		if prev, ok := hc.providers[name]; ok && prev.Status != ph.Status {
			hc.log.InfoContext(ctx, "provider_health_changed",
				slog.String("provider", name),
				slog.String("from", prev.Status),
				slog.String("to", ph.Status),
			)
		}
	}
	hc.providers = results
	hc.store = store
	hc.mu.Unlock()
}

func (hc *HealthChecker) probeProvider(ctx context.Context, name string) ProviderHealth {
	if !hc.registry.IsEnabled(ctx, name) {
		return ProviderHealth{Status: healthDisabled}
	}
	st, err := hc.keys.Stats(ctx, name)
	if err != nil {
		return ProviderHealth{Status: healthUnknown, Error: err.Error()}
	}
	if st.Usable > 0 || hc.registry.SupportsAnonymous(name) {
		return ProviderHealth{Status: healthOK, Keys: st}
	}
	return ProviderHealth{Status: healthDegraded, Keys: st}
}

func (hc *HealthChecker) pingStore(ctx context.Context) string {
	if hc.ping == nil {
		return healthOK
	}
	if err := hc.ping(ctx); err != nil {
		hc.log.WarnContext(ctx, "store_ping_failed", slog.String("error", err.Error()))
		return healthDown
	}
	return healthOK
}
