// Package keys manages per-provider credential pools: selection, health
// transitions (rate-limited, disabled), counters and the daily quota reset.
//
// All state lives in the configuration store; the Manager itself only holds
// its collaborators and the reset ticker. Every mutation is a
// read-modify-write through store.Store.Update.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

var (
	// ErrNoUsableKey means the pool has no enabled active credential and the
	// provider does not allow anonymous calls.
	ErrNoUsableKey = errors.New("keys: no usable key")
	// ErrDuplicateKey is returned by AddKey when the secret is already pooled.
	ErrDuplicateKey = errors.New("keys: duplicate key")
	// ErrKeyNotFound is returned by admin operations on an unknown id.
	ErrKeyNotFound = errors.New("keys: key not found")
	// ErrInvalidFormat is returned by AddKey when the format check rejects
	// the secret.
	ErrInvalidFormat = errors.New("keys: unrecognised key format")
)

const (
	dateLayout           = "2006-01-02"
	defaultResetInterval = time.Minute
)

// ConfigStore is the subset of store.Store the manager needs.
type ConfigStore interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
	Update(ctx context.Context, fn func(*store.Snapshot) error) error
}

// Rand picks uniformly in [0, n).
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// Anonymous reports whether provider may be called without a key.
	Anonymous func(provider string) bool
	// FormatCheck validates a secret for provider on AddKey. Nil accepts all.
	FormatCheck func(provider, secret string) bool

	ResetInterval time.Duration
	Rand          Rand
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// Manager hands out credentials and tracks their health.
type Manager struct {
	store       ConfigStore
	anonymous   func(string) bool
	formatCheck func(string, string) bool
	interval    time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Registry

	randMu sync.Mutex
	rnd    Rand

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Manager. The daily-reset ticker is not running until Start.
func New(st ConfigStore, opts Options) *Manager {
	m := &Manager{
		store:       st,
		anonymous:   opts.Anonymous,
		formatCheck: opts.FormatCheck,
		interval:    opts.ResetInterval,
		now:         opts.Now,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		rnd:         opts.Rand,
		done:        make(chan struct{}),
	}
	if m.anonymous == nil {
		m.anonymous = func(string) bool { return false }
	}
	if m.interval <= 0 {
		m.interval = defaultResetInterval
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.rnd == nil {
		m.rnd = globalRand{}
	}
	return m
}

// Start runs the daily-reset check once and then on every tick until ctx
// is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		if _, err := m.CheckDailyReset(ctx); err != nil {
			m.log.WarnContext(ctx, "daily_reset_failed", slog.String("error", err.Error()))
		}

		m.wg.Add(1)
		go m.loop(ctx)
	})
}

// Stop halts the ticker and waits for it to exit. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.CheckDailyReset(ctx); err != nil {
				m.log.WarnContext(ctx, "daily_reset_failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// NextKey returns a uniformly random usable credential of provider. When no
// credential is usable, anonymous-capable providers get
// providers.AnonymousCredential and all others get ErrNoUsableKey.
func (m *Manager) NextKey(ctx context.Context, provider string) (providers.Credential, error) {
	if _, err := m.CheckDailyReset(ctx); err != nil {
		m.log.WarnContext(ctx, "daily_reset_failed", slog.String("error", err.Error()))
	}

	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		return providers.Credential{}, fmt.Errorf("keys: %w", err)
	}

	var usable []store.CredentialRecord
	for _, rec := range snap.KeyPools[provider] {
		if rec.Usable() {
			usable = append(usable, rec)
		}
	}

	if len(usable) == 0 {
		if m.anonymous(provider) {
			return providers.AnonymousCredential, nil
		}
		return providers.Credential{}, fmt.Errorf("%w for provider %q", ErrNoUsableKey, provider)
	}

	m.randMu.Lock()
	rec := usable[m.rnd.IntN(len(usable))]
	m.randMu.Unlock()

	return providers.Credential{ID: rec.ID, Key: rec.Key}, nil
}

// MarkExhausted moves the credential to rate_limited until the next daily
// reset. No-op for the anonymous marker.
func (m *Manager) MarkExhausted(ctx context.Context, provider string, cred providers.Credential) error {
	if cred.Anonymous || cred.Key == "" {
		return nil
	}
	now := m.now()
	changed := false

	err := m.store.Update(ctx, func(snap *store.Snapshot) error {
		changed = false
		return withRecord(snap, provider, cred.Key, func(rec *store.CredentialRecord) {
			rec.LastUsed = &now
			if rec.Status == store.StatusActive {
				rec.Status = store.StatusRateLimited
				changed = true
			}
		})
	})
	if err != nil {
		return fmt.Errorf("keys: mark exhausted: %w", err)
	}

	if changed {
		m.log.InfoContext(ctx, "key_exhausted",
			slog.String("provider", provider),
			slog.String("key", cred.Redacted()),
		)
		m.metrics.RecordKeyTransition(provider, string(store.StatusRateLimited))
	}
	return nil
}

// MarkInvalid permanently disables the credential and clears its enabled
// flag. The daily reset never reverts this.
func (m *Manager) MarkInvalid(ctx context.Context, provider string, cred providers.Credential) error {
	if cred.Anonymous || cred.Key == "" {
		return nil
	}
	now := m.now()

	err := m.store.Update(ctx, func(snap *store.Snapshot) error {
		return withRecord(snap, provider, cred.Key, func(rec *store.CredentialRecord) {
			rec.Status = store.StatusDisabled
			rec.Enabled = false
			rec.LastUsed = &now
		})
	})
	if err != nil {
		return fmt.Errorf("keys: mark invalid: %w", err)
	}

	m.log.WarnContext(ctx, "key_invalidated",
		slog.String("provider", provider),
		slog.String("key", cred.Redacted()),
	)
	m.metrics.RecordKeyTransition(provider, string(store.StatusDisabled))
	return nil
}

// RecordOutcome bumps the call counters of the credential.
func (m *Manager) RecordOutcome(ctx context.Context, provider string, cred providers.Credential, success bool) error {
	if cred.Anonymous || cred.Key == "" {
		return nil
	}
	now := m.now()

	err := m.store.Update(ctx, func(snap *store.Snapshot) error {
		return withRecord(snap, provider, cred.Key, func(rec *store.CredentialRecord) {
			rec.TotalCalls++
			if success {
				rec.SuccessCount++
			} else {
				rec.ErrorCount++
			}
			rec.LastUsed = &now
		})
	})
	if err != nil {
		return fmt.Errorf("keys: record outcome: %w", err)
	}
	return nil
}

// ApplyFailure records a failed call and applies the health transition
// implied by err: rate limits exhaust the key, auth failures disable it.
func (m *Manager) ApplyFailure(ctx context.Context, provider string, cred providers.Credential, err error) {
	if rerr := m.RecordOutcome(ctx, provider, cred, false); rerr != nil {
		m.log.WarnContext(ctx, "key_counter_update_failed", slog.String("error", rerr.Error()))
	}

	var terr error
	switch providers.KindOf(err) {
	case providers.KindRateLimited:
		terr = m.MarkExhausted(ctx, provider, cred)
	case providers.KindInvalidCredential:
		terr = m.MarkInvalid(ctx, provider, cred)
	}
	if terr != nil {
		m.log.WarnContext(ctx, "key_transition_failed",
			slog.String("provider", provider),
			slog.String("error", terr.Error()),
		)
	}
}

// CheckDailyReset compares the current UTC date with the stored cursor and,
// on rollover, moves every rate_limited record back to active. It reports
// whether a reset happened.
func (m *Manager) CheckDailyReset(ctx context.Context) (bool, error) {
	today := m.now().UTC().Format(dateLayout)

	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("keys: %w", err)
	}
	if snap.LastResetDate == today {
		return false, nil
	}

	reset := 0
	err = m.store.Update(ctx, func(snap *store.Snapshot) error {
		reset = 0
		if snap.LastResetDate == today {
			return nil
		}
		for provider, pool := range snap.KeyPools {
			for i := range pool {
				if pool[i].Status == store.StatusRateLimited {
					pool[i].Status = store.StatusActive
					reset++
				}
			}
			snap.KeyPools[provider] = pool
		}
		snap.LastResetDate = today
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("keys: daily reset: %w", err)
	}

	m.log.InfoContext(ctx, "daily_reset",
		slog.String("date", today),
		slog.Int("reactivated", reset),
	)
	m.metrics.RecordDailyReset()
	return true, nil
}

// ── Administration ────────────────────────────────────────────────────────

// AddKey appends a new active credential to provider's pool.
func (m *Manager) AddKey(ctx context.Context, provider, secret, name string) (store.CredentialRecord, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return store.CredentialRecord{}, fmt.Errorf("keys: empty key")
	}
	if m.formatCheck != nil && !m.formatCheck(provider, secret) {
		return store.CredentialRecord{}, fmt.Errorf("%w for provider %q", ErrInvalidFormat, provider)
	}

	rec := store.CredentialRecord{
		ID:      uuid.NewString(),
		Key:     secret,
		Name:    name,
		Enabled: true,
		Status:  store.StatusActive,
		AddedAt: m.now().UTC(),
	}
	if rec.Name == "" {
		rec.Name = providers.Credential{Key: secret}.Redacted()
	}

	err := m.store.Update(ctx, func(snap *store.Snapshot) error {
		for _, existing := range snap.KeyPools[provider] {
			if existing.Key == secret {
				return fmt.Errorf("%w in provider %q", ErrDuplicateKey, provider)
			}
		}
		snap.KeyPools[provider] = append(snap.KeyPools[provider], rec)
		return nil
	})
	if err != nil {
		return store.CredentialRecord{}, err
	}
	return rec, nil
}

// RemoveKey deletes the record with id from provider's pool.
func (m *Manager) RemoveKey(ctx context.Context, provider, id string) error {
	return m.store.Update(ctx, func(snap *store.Snapshot) error {
		pool := snap.KeyPools[provider]
		for i := range pool {
			if pool[i].ID == id {
				snap.KeyPools[provider] = append(pool[:i:i], pool[i+1:]...)
				return nil
			}
		}
		return ErrKeyNotFound
	})
}

// KeyPatch is an admin edit. Nil fields are left unchanged.
type KeyPatch struct {
	Name    *string
	Enabled *bool
}

// UpdateKey applies an admin edit. Re-enabling a disabled key also clears
// its disabled status.
func (m *Manager) UpdateKey(ctx context.Context, provider, id string, patch KeyPatch) (store.CredentialRecord, error) {
	var out store.CredentialRecord
	err := m.store.Update(ctx, func(snap *store.Snapshot) error {
		pool := snap.KeyPools[provider]
		for i := range pool {
			if pool[i].ID != id {
				continue
			}
			if patch.Name != nil {
				pool[i].Name = *patch.Name
			}
			if patch.Enabled != nil {
				pool[i].Enabled = *patch.Enabled
				if *patch.Enabled && pool[i].Status == store.StatusDisabled {
					pool[i].Status = store.StatusActive
				}
			}
			out = pool[i]
			return nil
		}
		return ErrKeyNotFound
	})
	return out, err
}

// List returns provider's pool.
func (m *Manager) List(ctx context.Context, provider string) ([]store.CredentialRecord, error) {
	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return snap.KeyPools[provider], nil
}

// PoolStats counts a pool's records by health.
type PoolStats struct {
	Total       int `json:"total"`
	Usable      int `json:"usable"`
	RateLimited int `json:"rate_limited"`
	Disabled    int `json:"disabled"`
}

// Stats summarises provider's pool and publishes the key-pool gauge.
func (m *Manager) Stats(ctx context.Context, provider string) (PoolStats, error) {
	pool, err := m.List(ctx, provider)
	if err != nil {
		return PoolStats{}, err
	}

	var st PoolStats
	for _, rec := range pool {
		st.Total++
		switch {
		case rec.Usable():
			st.Usable++
		case rec.Status == store.StatusRateLimited:
			st.RateLimited++
		case rec.Status == store.StatusDisabled || !rec.Enabled:
			st.Disabled++
		}
	}
	m.metrics.SetKeyPool(provider, st.Usable, st.RateLimited, st.Disabled)
	return st, nil
}

// withRecord applies fn to the record of provider whose secret is key.
// A missing record is not an error: the key may have been removed by an
// admin while the call was in flight.
func withRecord(snap *store.Snapshot, provider, key string, fn func(*store.CredentialRecord)) error {
	pool := snap.KeyPools[provider]
	for i := range pool {
		if pool[i].Key == key {
			fn(&pool[i])
			return nil
		}
	}
	return nil
}
