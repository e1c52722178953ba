// Package registry holds the set of provider adapters and their
// registry-level enabled flag. It performs no network I/O.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

var (
	ErrUnknownProvider   = errors.New("registry: unknown provider")
	ErrDuplicateProvider = errors.New("registry: provider already registered")
)

// EnabledStore persists the enabled flag.
type EnabledStore interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
	SetProviderEnabled(ctx context.Context, provider string, enabled bool) error
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]providers.Provider

	store EnabledStore
	log   *slog.Logger
}

// New creates an empty registry backed by st.
func New(st EnabledStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byKey: make(map[string]providers.Provider),
		store: st,
		log:   logger,
	}
}

// Register adds p. Registration order is preserved and is the discovery
// order used by the router.
func (r *Registry) Register(p providers.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, ok := r.byKey[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.byKey[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns the provider registered as name.
func (r *Registry) Get(name string) (providers.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKey[name]
	return p, ok
}

// All returns every registered provider in registration order.
func (r *Registry) All() []providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]providers.Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// IsEnabled reports the registry flag. Store errors are logged and treated
// as enabled so a store outage does not take every provider offline.
func (r *Registry) IsEnabled(ctx context.Context, name string) bool {
	if _, ok := r.Get(name); !ok {
		return false
	}
	return r.load(ctx).IsProviderEnabled(name)
}

// load reads the current snapshot. On failure it logs and returns an empty
// snapshot, in which every provider is enabled.
func (r *Registry) load(ctx context.Context) *store.Snapshot {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "provider_enabled_lookup_failed", slog.String("error", err.Error()))
		return store.NewSnapshot()
	}
	return snap
}

// SetEnabled toggles the registry flag of a registered provider.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if _, ok := r.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if err := r.store.SetProviderEnabled(ctx, name, enabled); err != nil {
		return fmt.Errorf("registry: set enabled %s: %w", name, err)
	}
	r.log.InfoContext(ctx, "provider_toggled",
		slog.String("provider", name),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// Enabled returns the enabled providers in registration order.
func (r *Registry) Enabled(ctx context.Context) []providers.Provider {
	return r.EnabledIn(r.load(ctx))
}

// EnabledIn is Enabled evaluated against an already loaded snapshot.
func (r *Registry) EnabledIn(snap *store.Snapshot) []providers.Provider {
	all := r.All()
	out := make([]providers.Provider, 0, len(all))
	for _, p := range all {
		if snap.IsProviderEnabled(p.Name()) {
			out = append(out, p)
		}
	}
	return out
}

// ForTask returns the enabled providers whose capabilities support task.
func (r *Registry) ForTask(ctx context.Context, task providers.TaskType) []providers.Provider {
	return r.ForTaskIn(r.load(ctx), task)
}

// ForTaskIn is ForTask evaluated against an already loaded snapshot.
func (r *Registry) ForTaskIn(snap *store.Snapshot, task providers.TaskType) []providers.Provider {
	var out []providers.Provider
	for _, p := range r.EnabledIn(snap) {
		if p.Descriptor().Capabilities.Supports(task) {
			out = append(out, p)
		}
	}
	return out
}

// SupportsAnonymous reports whether name may be called without a key.
func (r *Registry) SupportsAnonymous(name string) bool {
	p, ok := r.Get(name)
	return ok && p.Descriptor().Capabilities.Anonymous
}

// DetectCredentialFormat delegates to the provider's format check.
// Unknown providers reject every secret.
func (r *Registry) DetectCredentialFormat(name, secret string) bool {
	p, ok := r.Get(name)
	return ok && p.DetectCredentialFormat(secret)
}

// ModelEntry is one row of the public model list.
type ModelEntry struct {
	ID       string
	Provider string
	Tasks    []providers.TaskType
}

// Models lists the static models of every enabled provider.
func (r *Registry) Models(ctx context.Context) []ModelEntry {
	var out []ModelEntry
	for _, p := range r.Enabled(ctx) {
		cfg := p.Descriptor().Config
		for _, m := range p.SupportedModels() {
			e := ModelEntry{ID: m, Provider: p.Name()}
			if cfg.HasModel(providers.TaskText, m) {
				e.Tasks = append(e.Tasks, providers.TaskText)
			}
			if cfg.HasModel(providers.TaskEdit, m) {
				e.Tasks = append(e.Tasks, providers.TaskEdit)
			}
			out = append(out, e)
		}
	}
	return out
}
