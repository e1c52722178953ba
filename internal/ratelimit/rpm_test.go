package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/image-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func mustAllow(t *testing.T, l *ratelimit.RPMLimiter, want bool) {
	t.Helper()
	allowed, err := l.Allow(context.Background())
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed != want {
		t.Fatalf("allowed = %v, want %v", allowed, want)
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 10)
	for i := 0; i < 10; i++ {
		mustAllow(t, limiter, true)
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	limiter := ratelimit.NewRPMLimiter(rdb, 3)
	for i := 0; i < 3; i++ {
		mustAllow(t, limiter, true)
	}
	mustAllow(t, limiter, false)
}

func TestRPMLimiter_WindowSlides(t *testing.T) {
	rdb, _ := newTestRedis(t)
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewRPMLimiter(rdb, 2, ratelimit.WithClock(c.now))

	mustAllow(t, limiter, true)
	c.t = c.t.Add(30 * time.Second)
	mustAllow(t, limiter, true)
	mustAllow(t, limiter, false)

	// The first admission falls out of the window.
	c.t = c.t.Add(31 * time.Second)
	mustAllow(t, limiter, true)
	mustAllow(t, limiter, false)
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, mr := newTestRedis(t)
	a := ratelimit.NewRPMLimiter(rdb, 1, ratelimit.WithKey("gw-a:rpm"))
	b := ratelimit.NewRPMLimiter(rdb, 1, ratelimit.WithKey("gw-b:rpm"))

	mustAllow(t, a, true)
	mustAllow(t, a, false)
	mustAllow(t, b, true)

	if !mr.Exists("gw-a:rpm") || !mr.Exists("gw-b:rpm") {
		t.Fatalf("keys = %v", mr.Keys())
	}
}

func TestRPMLimiter_DegradesGracefully_WhenRedisDown(t *testing.T) {
	rdb, mr := newTestRedis(t)
	mr.Close()

	mustAllow(t, ratelimit.NewRPMLimiter(rdb, 5), true)
}
