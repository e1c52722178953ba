package proxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newChecker(t *testing.T, env *testEnv, ping func(context.Context) error) *HealthChecker {
	t.Helper()
	hc := NewHealthChecker(context.Background(), HealthOptions{
		Registry: env.reg,
		Keys:     env.keys,
		Ping:     ping,
		Interval: time.Hour,
		Logger:   discard,
	})
	t.Cleanup(hc.Close)
	return hc
}

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, HealthOptions{}) //nolint:staticcheck
}

func TestHealthChecker_ProviderStates(t *testing.T) {
	anon := okProvider("anon")
	anon.caps.Anonymous = true
	env := newTestEnv(t, GatewayOptions{},
		okProvider("keyed"), okProvider("empty"), okProvider("off"), anon)
	env.addKey(t, "keyed", "k-keyed-0001")
	env.addKey(t, "off", "k-off-0001")
	if err := env.reg.SetEnabled(context.Background(), "off", false); err != nil {
		t.Fatal(err)
	}

	hc := newChecker(t, env, nil)

	tests := []struct {
		provider string
		want     string
	}{
		{"keyed", healthOK},
		{"empty", healthDegraded},
		{"off", healthDisabled},
		{"anon", healthOK},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			ph, ok := hc.Provider(tt.provider)
			if !ok {
				t.Fatal("no probe result")
			}
			if ph.Status != tt.want {
				t.Errorf("status = %s, want %s", ph.Status, tt.want)
			}
		})
	}

	snap := hc.Snapshot()
	if snap.Status != healthOK || snap.Store != healthOK {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Providers["keyed"].Keys.Usable != 1 {
		t.Fatalf("keys = %+v", snap.Providers["keyed"].Keys)
	}
}

func TestHealthChecker_RateLimitedPoolIsDegraded(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	env.addKey(t, "alpha", "k-alpha-0001")
	cred, err := env.keys.NextKey(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.keys.MarkExhausted(context.Background(), "alpha", cred); err != nil {
		t.Fatal(err)
	}

	hc := newChecker(t, env, nil)
	ph, _ := hc.Provider("alpha")
	if ph.Status != healthDegraded || ph.Keys.RateLimited != 1 {
		t.Fatalf("health = %+v", ph)
	}
	if hc.Snapshot().Status != healthDegraded {
		t.Fatal("overall status should be degraded without an ok provider")
	}
}

func TestHealthChecker_StoreDown(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	env.addKey(t, "alpha", "k-alpha-0001")

	var failing atomic.Bool
	failing.Store(true)
	hc := newChecker(t, env, func(context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	snap := hc.Snapshot()
	if snap.Store != healthDown || snap.Status != healthDegraded {
		t.Fatalf("snapshot = %+v", snap)
	}
	if hc.Ready(context.Background()) {
		t.Fatal("Ready should fail while the store is down")
	}

	failing.Store(false)
	if !hc.Ready(context.Background()) {
		t.Fatal("Ready should recover with the store")
	}
	if hc.Snapshot().Store != healthOK {
		t.Fatal("Ready should refresh the store status")
	}
}

func TestHealthChecker_CloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	hc := newChecker(t, env, nil)
	hc.Close()
	hc.Close()
}

func TestHealthChecker_ProbesOnInterval(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	var pings atomic.Int32
	hc := NewHealthChecker(context.Background(), HealthOptions{
		Registry: env.reg,
		Keys:     env.keys,
		Ping: func(context.Context) error {
			pings.Add(1)
			return nil
		},
		Interval: 10 * time.Millisecond,
		Logger:   discard,
	})
	defer hc.Close()

	env.addKey(t, "alpha", "k-alpha-0001")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ph, _ := hc.Provider("alpha"); ph.Status == healthOK {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ph, _ := hc.Provider("alpha"); ph.Status != healthOK {
		t.Fatalf("status = %s after new key", ph.Status)
	}
	if pings.Load() < 2 {
		t.Fatalf("pings = %d", pings.Load())
	}
}
