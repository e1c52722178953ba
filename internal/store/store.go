// Package store holds the gateway's mutable configuration: per-provider
// credential pools, provider enabled flags and per-task defaults.
//
// Two backends are available:
//   - MemoryBackend: in-process, single instance or tests.
//   - RedisBackend : shared by every replica; compare-and-swap via WATCH.
//
// Every write goes through Store.Update, which re-reads the snapshot,
// applies the mutation and replaces it only if nobody else replaced it in
// between (optimistic versioning on Snapshot.Version).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrConflict is returned by Backend.Replace when the snapshot version the
// caller read is no longer current.
var ErrConflict = errors.New("store: version conflict")

// Retry pacing for Update conflicts.
const (
	updateInitialInterval = 2 * time.Millisecond
	updateMaxInterval     = 200 * time.Millisecond
)

// KeyStatus is the health state of a credential.
type KeyStatus string

const (
	StatusActive      KeyStatus = "active"
	StatusRateLimited KeyStatus = "rate_limited"
	StatusDisabled    KeyStatus = "disabled"
)

// CredentialRecord is one key in a provider's pool.
//
// Enabled is user intent and is only changed by admin action or by
// permanent invalidation. Status rate_limited is cleared by the daily
// reset; disabled is never cleared automatically.
type CredentialRecord struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	Status       KeyStatus  `json:"status"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
	SuccessCount int64      `json:"success_count"`
	TotalCalls   int64      `json:"total_calls"`
	ErrorCount   int64      `json:"error_count"`
}

// Usable reports whether the record may be handed out.
func (r CredentialRecord) Usable() bool {
	return r.Enabled && r.Status == StatusActive
}

// TaskDefaults is the admin override record for one (provider, task).
// Zero values mean "not configured".
type TaskDefaults struct {
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
	Steps  int    `json:"steps,omitempty"`
	Weight *int   `json:"weight,omitempty"`
	// ModelMap is a comma-separated list of logical model names this
	// provider claims for the task.
	ModelMap string `json:"model_map,omitempty"`
}

// Snapshot is the full configuration document.
type Snapshot struct {
	Version int64 `json:"version"`
	// LastResetDate is the UTC calendar date (YYYY-MM-DD) of the last
	// daily quota reset.
	LastResetDate   string                             `json:"last_reset_date,omitempty"`
	KeyPools        map[string][]CredentialRecord      `json:"key_pools"`
	ProviderEnabled map[string]bool                    `json:"provider_enabled"`
	TaskDefaults    map[string]map[string]TaskDefaults `json:"task_defaults"`
}

// NewSnapshot returns an empty, initialised snapshot.
func NewSnapshot() *Snapshot {
	s := &Snapshot{}
	s.init()
	return s
}

func (s *Snapshot) init() {
	if s.KeyPools == nil {
		s.KeyPools = make(map[string][]CredentialRecord)
	}
	if s.ProviderEnabled == nil {
		s.ProviderEnabled = make(map[string]bool)
	}
	if s.TaskDefaults == nil {
		s.TaskDefaults = make(map[string]map[string]TaskDefaults)
	}
}

// IsProviderEnabled reports the registry flag of provider. Providers that
// were never toggled are enabled.
func (s *Snapshot) IsProviderEnabled(provider string) bool {
	enabled, ok := s.ProviderEnabled[provider]
	return !ok || enabled
}

// Defaults returns the override record for (provider, task), or the zero
// TaskDefaults.
func (s *Snapshot) Defaults(provider, task string) TaskDefaults {
	return s.TaskDefaults[provider][task]
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	data, err := encodeSnapshot(s)
	if err != nil {
		// Snapshot only holds JSON-safe fields.
		panic(fmt.Sprintf("store: clone snapshot: %v", err))
	}
	out, err := decodeSnapshot(data)
	if err != nil {
		panic(fmt.Sprintf("store: clone snapshot: %v", err))
	}
	return out
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.init()
	return &s, nil
}

// Backend persists snapshots.
type Backend interface {
	// Load returns a private copy of the current snapshot.
	Load(ctx context.Context) (*Snapshot, error)
	// Replace stores snap if snap.Version equals the stored version, and
	// increments the version. Otherwise it returns ErrConflict.
	Replace(ctx context.Context, snap *Snapshot) error
	Ping(ctx context.Context) error
	Close() error
}

// Store is the configuration store used by the key manager, registry and
// router.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// NewMemory is shorthand for a store over a fresh MemoryBackend.
func NewMemory() *Store {
	return New(NewMemoryBackend())
}

// Snapshot returns a private copy of the current configuration.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	return snap, nil
}

// Replace writes snap wholesale. It fails with ErrConflict when snap was
// read before another writer replaced the configuration.
func (s *Store) Replace(ctx context.Context, snap *Snapshot) error {
	return s.backend.Replace(ctx, snap)
}

// Update applies fn to the current snapshot and writes it back, retrying
// version conflicts with jittered exponential backoff until it succeeds or
// ctx is done. fn may run more than once and must be idempotent with
// respect to the snapshot it is given.
func (s *Store) Update(ctx context.Context, fn func(*Snapshot) error) error {
	op := func() error {
		snap, err := s.backend.Load(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("store: load: %w", err))
		}
		if err := fn(snap); err != nil {
			return backoff.Permanent(err)
		}
		err = s.backend.Replace(ctx, snap)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrConflict):
			return err
		default:
			return backoff.Permanent(fmt.Errorf("store: replace: %w", err))
		}
	}

	err := backoff.Retry(op, backoff.WithContext(newUpdateBackOff(), ctx))
	if err != nil && (errors.Is(err, ErrConflict) || ctx.Err() != nil) {
		return fmt.Errorf("store: update: %w", err)
	}
	return err
}

// newUpdateBackOff never gives up on its own; the caller's context bounds
// the retry loop.
func newUpdateBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(updateInitialInterval),
		backoff.WithMaxInterval(updateMaxInterval),
		backoff.WithRandomizationFactor(0.5),
		backoff.WithMaxElapsedTime(0),
	)
}

// GetKeyPool returns the credential pool of provider.
func (s *Store) GetKeyPool(ctx context.Context, provider string) ([]CredentialRecord, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.KeyPools[provider], nil
}

// GetProviderTaskDefaults returns the override record for (provider, task).
// A missing record yields the zero TaskDefaults.
func (s *Store) GetProviderTaskDefaults(ctx context.Context, provider, task string) (TaskDefaults, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return TaskDefaults{}, err
	}
	return snap.Defaults(provider, task), nil
}

// SetProviderTaskDefaults replaces the override record for (provider, task).
func (s *Store) SetProviderTaskDefaults(ctx context.Context, provider, task string, d TaskDefaults) error {
	return s.Update(ctx, func(snap *Snapshot) error {
		if snap.TaskDefaults[provider] == nil {
			snap.TaskDefaults[provider] = make(map[string]TaskDefaults)
		}
		snap.TaskDefaults[provider][task] = d
		return nil
	})
}

// GetProviderEnabled reports the registry flag of provider. Providers that
// were never toggled are enabled.
func (s *Store) GetProviderEnabled(ctx context.Context, provider string) (bool, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.IsProviderEnabled(provider), nil
}

// SetProviderEnabled stores the registry flag of provider.
func (s *Store) SetProviderEnabled(ctx context.Context, provider string, enabled bool) error {
	return s.Update(ctx, func(snap *Snapshot) error {
		snap.ProviderEnabled[provider] = enabled
		return nil
	})
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}
