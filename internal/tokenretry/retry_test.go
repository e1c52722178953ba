package tokenretry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/image-gateway/internal/keys"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// firstRand always picks the first usable key, so rotation order is the
// pool order.
type firstRand struct{}

func (firstRand) IntN(int) int { return 0 }

func newKeys(t *testing.T, anonymous bool, secrets ...string) (*keys.Manager, *store.Store) {
	t.Helper()
	st := store.NewMemory()
	m := keys.New(st, keys.Options{
		Anonymous: func(string) bool { return anonymous },
		Rand:      firstRand{},
		Now:       func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	for _, s := range secrets {
		if _, err := m.AddKey(context.Background(), "hf", s, ""); err != nil {
			t.Fatalf("AddKey: %v", err)
		}
	}
	return m, st
}

func statusOf(t *testing.T, st *store.Store, key string) store.KeyStatus {
	t.Helper()
	pool, _ := st.GetKeyPool(context.Background(), "hf")
	for _, r := range pool {
		if r.Key == key {
			return r.Status
		}
	}
	t.Fatalf("key %s not found", key)
	return ""
}

func TestRotatesPastRateLimitedKey(t *testing.T) {
	km, st := newKeys(t, false, "k1", "k2")
	w := New(km, "hf", 3, nil, nil)

	var used []string
	got, err := Do(context.Background(), w, func(_ context.Context, cred providers.Credential) (string, error) {
		used = append(used, cred.Key)
		if cred.Key == "k1" {
			return "", providers.FromStatus("hf", 429, "too many requests")
		}
		return "ok:" + cred.Key, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok:k2" {
		t.Fatalf("result = %q, want ok:k2", got)
	}
	if len(used) != 2 || used[0] != "k1" || used[1] != "k2" {
		t.Fatalf("credentials used = %v, want [k1 k2]", used)
	}
	if s := statusOf(t, st, "k1"); s != store.StatusRateLimited {
		t.Fatalf("k1 status = %s, want rate_limited", s)
	}
	if s := statusOf(t, st, "k2"); s != store.StatusActive {
		t.Fatalf("k2 status = %s, want active", s)
	}
}

func TestStreamedQuotaErrorRotates(t *testing.T) {
	km, st := newKeys(t, false, "k1", "k2")
	w := New(km, "hf", 3, nil, nil)

	_, err := Do(context.Background(), w, func(_ context.Context, cred providers.Credential) (int, error) {
		if cred.Key == "k1" {
			return 0, StreamError("hf", `"You have exceeded your free GPU quota"`)
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if s := statusOf(t, st, "k1"); s != store.StatusRateLimited {
		t.Fatalf("k1 status = %s, want rate_limited", s)
	}
}

func TestNonRateLimitErrorPropagatesImmediately(t *testing.T) {
	km, st := newKeys(t, false, "k1", "k2")
	w := New(km, "hf", 3, nil, nil)

	calls := 0
	_, err := Do(context.Background(), w, func(context.Context, providers.Credential) (int, error) {
		calls++
		return 0, StreamError("hf", `"CUDA out of memory"`)
	})
	if providers.KindOf(err) != providers.KindUpstream {
		t.Fatalf("err = %v, want upstream", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if s := statusOf(t, st, "k1"); s != store.StatusActive {
		t.Fatalf("k1 status = %s, want active", s)
	}
}

func recordOf(t *testing.T, st *store.Store, key string) store.CredentialRecord {
	t.Helper()
	pool, _ := st.GetKeyPool(context.Background(), "hf")
	for _, r := range pool {
		if r.Key == key {
			return r
		}
	}
	t.Fatalf("key %s not found", key)
	return store.CredentialRecord{}
}

func TestRejectedCredentialIsDisabled(t *testing.T) {
	km, st := newKeys(t, false, "k1", "k2")
	w := New(km, "hf", 3, nil, nil)

	calls := 0
	_, err := Do(context.Background(), w, func(context.Context, providers.Credential) (int, error) {
		calls++
		return 0, providers.FromStatus("hf", 401, "invalid token")
	})
	if providers.KindOf(err) != providers.KindInvalidCredential {
		t.Fatalf("err = %v, want invalid_credential", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	rec := recordOf(t, st, "k1")
	if rec.Status != store.StatusDisabled || rec.Enabled {
		t.Fatalf("k1 = %s enabled=%v, want disabled", rec.Status, rec.Enabled)
	}
	if rec.TotalCalls != 1 || rec.ErrorCount != 1 {
		t.Fatalf("k1 counters = %d/%d, want 1/1", rec.TotalCalls, rec.ErrorCount)
	}
}

func TestOutcomesAreCountedPerAttempt(t *testing.T) {
	km, st := newKeys(t, false, "k1", "k2")
	w := New(km, "hf", 3, nil, nil)

	_, err := Do(context.Background(), w, func(_ context.Context, cred providers.Credential) (int, error) {
		if cred.Key == "k1" {
			return 0, providers.FromStatus("hf", 429, "slow down")
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	tests := []struct {
		key              string
		total, ok, fails int64
	}{
		{"k1", 1, 0, 1},
		{"k2", 1, 1, 0},
	}
	for _, tt := range tests {
		rec := recordOf(t, st, tt.key)
		if rec.TotalCalls != tt.total || rec.SuccessCount != tt.ok || rec.ErrorCount != tt.fails {
			t.Errorf("%s counters = %d/%d/%d, want %d/%d/%d", tt.key,
				rec.TotalCalls, rec.SuccessCount, rec.ErrorCount, tt.total, tt.ok, tt.fails)
		}
	}
}

func TestBudgetExhaustion(t *testing.T) {
	km, _ := newKeys(t, true, "k1")
	w := New(km, "hf", 3, nil, nil)

	var creds []providers.Credential
	_, err := Do(context.Background(), w, func(_ context.Context, cred providers.Credential) (int, error) {
		creds = append(creds, cred)
		return 0, providers.FromStatus("hf", 429, "slow down")
	})
	if !IsExhausted(err) {
		t.Fatalf("err = %v, want exhaustion", err)
	}
	if len(creds) != 3 {
		t.Fatalf("attempts = %d, want 3", len(creds))
	}
	if creds[0].Key != "k1" || !creds[1].Anonymous || !creds[2].Anonymous {
		t.Fatalf("credentials = %+v, want k1 then anonymous", creds)
	}
}

func TestNoKeyIsExhaustion(t *testing.T) {
	km, _ := newKeys(t, false)
	w := New(km, "hf", 3, nil, nil)

	_, err := Do(context.Background(), w, func(context.Context, providers.Credential) (int, error) {
		t.Fatal("fn must not run without a credential")
		return 0, nil
	})
	if !IsExhausted(err) || !errors.Is(err, keys.ErrNoUsableKey) {
		t.Fatalf("err = %v, want exhaustion wrapping ErrNoUsableKey", err)
	}
}

func TestIsRateLimitPayload(t *testing.T) {
	tests := map[string]bool{
		`"You have exceeded your GPU quota (60s requested vs. 12s left)."`: true,
		`{"error":"Rate limit reached"}`: true,
		`Too Many Requests`: true,
		`"Something went wrong"`: false,
		`null`: false,
	}
	for payload, want := range tests {
		if got := IsRateLimitPayload(payload); got != want {
			t.Errorf("IsRateLimitPayload(%s) = %v, want %v", payload, got, want)
		}
	}
}
