package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// fixedRand always returns the same index (clamped to n-1).
type fixedRand int

func (f fixedRand) IntN(n int) int {
	if int(f) >= n {
		return n - 1
	}
	return int(f)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newManager(t *testing.T, anonymous ...string) (*Manager, *store.Store, *clock) {
	t.Helper()

	st := store.NewMemory()
	clk := &clock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	anon := map[string]bool{}
	for _, p := range anonymous {
		anon[p] = true
	}

	m := New(st, Options{
		Anonymous: func(p string) bool { return anon[p] },
		Now:       clk.Now,
		Rand:      fixedRand(0),
	})
	return m, st, clk
}

func addKeys(t *testing.T, m *Manager, provider string, secrets ...string) {
	t.Helper()
	for _, s := range secrets {
		if _, err := m.AddKey(context.Background(), provider, s, ""); err != nil {
			t.Fatalf("AddKey(%s): %v", s, err)
		}
	}
}

func record(t *testing.T, st *store.Store, provider, key string) store.CredentialRecord {
	t.Helper()
	pool, err := st.GetKeyPool(context.Background(), provider)
	if err != nil {
		t.Fatalf("GetKeyPool: %v", err)
	}
	for _, r := range pool {
		if r.Key == key {
			return r
		}
	}
	t.Fatalf("key %q not in pool %q", key, provider)
	return store.CredentialRecord{}
}

func TestNextKeyExhaustionScenario(t *testing.T) {
	tests := []struct {
		name      string
		anonymous bool
	}{
		{"non-anonymous provider yields none", false},
		{"anonymous provider yields marker", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m *Manager
			if tt.anonymous {
				m, _, _ = newManager(t, "p")
			} else {
				m, _, _ = newManager(t)
			}
			ctx := context.Background()
			addKeys(t, m, "p", "k1")

			cred, err := m.NextKey(ctx, "p")
			if err != nil {
				t.Fatalf("NextKey: %v", err)
			}
			if cred.Key != "k1" || cred.Anonymous {
				t.Fatalf("NextKey = %+v, want k1", cred)
			}

			if err := m.MarkExhausted(ctx, "p", cred); err != nil {
				t.Fatalf("MarkExhausted: %v", err)
			}

			cred, err = m.NextKey(ctx, "p")
			if tt.anonymous {
				if err != nil {
					t.Fatalf("NextKey: %v", err)
				}
				if !cred.Anonymous {
					t.Fatalf("expected anonymous marker, got %+v", cred)
				}
				return
			}
			if !errors.Is(err, ErrNoUsableKey) {
				t.Fatalf("err = %v, want ErrNoUsableKey", err)
			}
		})
	}
}

func TestNextKeySkipsUnusable(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	addKeys(t, m, "p", "k1", "k2", "k3")

	_ = m.MarkExhausted(ctx, "p", providers.Credential{Key: "k1"})
	_ = m.MarkInvalid(ctx, "p", providers.Credential{Key: "k2"})

	for i := 0; i < 5; i++ {
		cred, err := m.NextKey(ctx, "p")
		if err != nil {
			t.Fatalf("NextKey: %v", err)
		}
		if cred.Key != "k3" {
			t.Fatalf("NextKey = %q, want k3", cred.Key)
		}
	}
}

func TestNextKeyIsUniformRandom(t *testing.T) {
	m := New(store.NewMemory(), Options{})
	ctx := context.Background()
	addKeys(t, m, "p", "a", "b")

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		cred, err := m.NextKey(ctx, "p")
		if err != nil {
			t.Fatalf("NextKey: %v", err)
		}
		counts[cred.Key]++
	}
	for _, k := range []string{"a", "b"} {
		if counts[k] < 120 {
			t.Fatalf("key %s picked %d/400 times; selection is not spreading load", k, counts[k])
		}
	}
}

func TestDailyResetClearsOnlyRateLimited(t *testing.T) {
	m, st, clk := newManager(t)
	ctx := context.Background()
	addKeys(t, m, "p", "limited", "invalid")
	addKeys(t, m, "q", "other")

	if _, err := m.CheckDailyReset(ctx); err != nil {
		t.Fatalf("CheckDailyReset: %v", err)
	}

	_ = m.MarkExhausted(ctx, "p", providers.Credential{Key: "limited"})
	_ = m.MarkExhausted(ctx, "q", providers.Credential{Key: "other"})
	_ = m.MarkInvalid(ctx, "p", providers.Credential{Key: "invalid"})

	// Same UTC day: nothing changes.
	clk.Set(clk.Now().Add(6 * time.Hour))
	did, err := m.CheckDailyReset(ctx)
	if err != nil {
		t.Fatalf("CheckDailyReset: %v", err)
	}
	if did {
		t.Fatal("reset must not happen within the same UTC day")
	}
	if got := record(t, st, "p", "limited").Status; got != store.StatusRateLimited {
		t.Fatalf("status = %s before rollover, want rate_limited", got)
	}

	// Next UTC day.
	clk.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC))
	did, err = m.CheckDailyReset(ctx)
	if err != nil {
		t.Fatalf("CheckDailyReset: %v", err)
	}
	if !did {
		t.Fatal("expected reset after UTC rollover")
	}

	for _, tc := range []struct{ provider, key string }{{"p", "limited"}, {"q", "other"}} {
		if got := record(t, st, tc.provider, tc.key).Status; got != store.StatusActive {
			t.Errorf("%s/%s status = %s, want active", tc.provider, tc.key, got)
		}
	}

	inv := record(t, st, "p", "invalid")
	if inv.Status != store.StatusDisabled || inv.Enabled {
		t.Fatalf("invalid key changed by reset: %+v", inv)
	}

	snap, _ := st.Snapshot(ctx)
	if snap.LastResetDate != "2025-03-11" {
		t.Fatalf("LastResetDate = %q, want 2025-03-11", snap.LastResetDate)
	}
}

func TestDisableSurvivesManyResets(t *testing.T) {
	m, st, clk := newManager(t)
	ctx := context.Background()
	addKeys(t, m, "p", "bad")

	_ = m.MarkInvalid(ctx, "p", providers.Credential{Key: "bad"})

	day := clk.Now()
	for i := 0; i < 5; i++ {
		day = day.Add(24 * time.Hour)
		clk.Set(day)
		if _, err := m.CheckDailyReset(ctx); err != nil {
			t.Fatalf("CheckDailyReset: %v", err)
		}
		// A later rate-limit signal must not resurrect the key either.
		_ = m.MarkExhausted(ctx, "p", providers.Credential{Key: "bad"})
	}

	rec := record(t, st, "p", "bad")
	if rec.Enabled || rec.Status != store.StatusDisabled {
		t.Fatalf("record = %+v, want disabled and not enabled", rec)
	}
}

func TestNextKeyAppliesResetLazily(t *testing.T) {
	m, _, clk := newManager(t)
	ctx := context.Background()
	addKeys(t, m, "p", "k1")

	_, _ = m.CheckDailyReset(ctx)
	_ = m.MarkExhausted(ctx, "p", providers.Credential{Key: "k1"})

	if _, err := m.NextKey(ctx, "p"); !errors.Is(err, ErrNoUsableKey) {
		t.Fatalf("err = %v, want ErrNoUsableKey", err)
	}

	clk.Set(clk.Now().Add(24 * time.Hour))

	cred, err := m.NextKey(ctx, "p")
	if err != nil {
		t.Fatalf("NextKey after rollover: %v", err)
	}
	if cred.Key != "k1" {
		t.Fatalf("NextKey = %q, want k1", cred.Key)
	}
}

func TestMarkExhaustedAnonymousIsNoop(t *testing.T) {
	m, st, _ := newManager(t, "p")
	ctx := context.Background()

	if err := m.MarkExhausted(ctx, "p", providers.AnonymousCredential); err != nil {
		t.Fatalf("MarkExhausted: %v", err)
	}

	snap, _ := st.Snapshot(ctx)
	if snap.Version != 0 {
		t.Fatalf("anonymous marker must not write the store (version=%d)", snap.Version)
	}
}

func TestConcurrentMarkExhaustedConverges(t *testing.T) {
	mr := miniredis.RunT(t)
	rb, err := store.NewRedisBackendFromURL(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisBackendFromURL: %v", err)
	}
	t.Cleanup(func() { _ = rb.Close() })

	stores := map[string]*store.Store{
		"memory": store.NewMemory(),
		"redis":  store.New(rb),
	}
	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := New(st, Options{Rand: fixedRand(0)})

			const writers = 16
			secrets := make([]string, writers)
			for i := range secrets {
				secrets[i] = fmt.Sprintf("k%02d", i)
			}
			addKeys(t, m, "p", append(secrets, "idle")...)

			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for _, key := range secrets {
				wg.Add(1)
				go func(key string) {
					defer wg.Done()
					errs <- m.MarkExhausted(ctx, "p", providers.Credential{Key: key})
				}(key)
			}
			wg.Wait()
			close(errs)

			failed := 0
			for err := range errs {
				if err != nil {
					failed++
					t.Log(err)
				}
			}
			if failed != 0 {
				t.Fatalf("%d/%d MarkExhausted calls failed", failed, writers)
			}
			for _, key := range secrets {
				if got := record(t, st, "p", key).Status; got != store.StatusRateLimited {
					t.Errorf("%s status = %s, want rate_limited", key, got)
				}
			}
			if got := record(t, st, "p", "idle").Status; got != store.StatusActive {
				t.Fatalf("untouched key status = %s, want active", got)
			}
		})
	}
}

func TestApplyFailureTransitions(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  store.KeyStatus
		wantEnabled bool
	}{
		{"rate limit", providers.FromStatus("p", 429, "slow down"), store.StatusRateLimited, true},
		{"unauthorized", providers.FromStatus("p", 401, "bad key"), store.StatusDisabled, false},
		{"upstream", providers.FromStatus("p", 500, "boom"), store.StatusActive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st, _ := newManager(t)
			ctx := context.Background()
			addKeys(t, m, "p", "k1")

			m.ApplyFailure(ctx, "p", providers.Credential{Key: "k1"}, tt.err)

			rec := record(t, st, "p", "k1")
			if rec.Status != tt.wantStatus || rec.Enabled != tt.wantEnabled {
				t.Fatalf("record = %+v, want status=%s enabled=%v", rec, tt.wantStatus, tt.wantEnabled)
			}
			if rec.ErrorCount != 1 || rec.TotalCalls != 1 {
				t.Fatalf("counters = %d/%d, want 1/1", rec.ErrorCount, rec.TotalCalls)
			}
		})
	}
}

func TestAddKeyRejectsDuplicatesAndBadFormat(t *testing.T) {
	st := store.NewMemory()
	m := New(st, Options{
		FormatCheck: func(_, secret string) bool { return strings.HasPrefix(secret, "sk-") },
	})
	ctx := context.Background()

	if _, err := m.AddKey(ctx, "openai", "sk-one", "primary"); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if _, err := m.AddKey(ctx, "openai", "sk-one", "again"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
	if _, err := m.AddKey(ctx, "openai", "nope", ""); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
	// The same secret may live in another provider's pool.
	if _, err := m.AddKey(ctx, "other", "sk-one", ""); err != nil {
		t.Fatalf("AddKey other provider: %v", err)
	}
}

func TestUpdateAndRemoveKey(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()

	rec, err := m.AddKey(ctx, "p", "k1", "first")
	if err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	_ = m.MarkInvalid(ctx, "p", providers.Credential{Key: "k1"})

	enabled := true
	name := "renamed"
	got, err := m.UpdateKey(ctx, "p", rec.ID, KeyPatch{Name: &name, Enabled: &enabled})
	if err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if got.Name != "renamed" || !got.Usable() {
		t.Fatalf("UpdateKey = %+v, want renamed and usable", got)
	}

	if err := m.RemoveKey(ctx, "p", rec.ID); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}
	if err := m.RemoveKey(ctx, "p", rec.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("second RemoveKey err = %v, want ErrKeyNotFound", err)
	}

	pool, _ := st.GetKeyPool(ctx, "p")
	if len(pool) != 0 {
		t.Fatalf("pool has %d records after removal", len(pool))
	}
}

func TestStats(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	addKeys(t, m, "p", "a", "b", "c")

	_ = m.MarkExhausted(ctx, "p", providers.Credential{Key: "a"})
	_ = m.MarkInvalid(ctx, "p", providers.Credential{Key: "b"})

	st, err := m.Stats(ctx, "p")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := PoolStats{Total: 3, Usable: 1, RateLimited: 1, Disabled: 1}
	if st != want {
		t.Fatalf("Stats = %+v, want %+v", st, want)
	}
}

func TestStartStop(t *testing.T) {
	m := New(store.NewMemory(), Options{ResetInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
