// Package ratelimit implements the gateway's inbound requests-per-minute
// limit as a Redis sliding window evaluated by an atomic Lua script, so
// every replica sharing the configuration store shares the budget.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
)

// KEYS[1] = sorted set key
// ARGV[1] = now (unix ns), ARGV[2] = window (ns), ARGV[3] = limit, ARGV[4] = member
// Returns 1 if admitted, 0 if over the limit.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

if redis.call('ZCARD', key) >= limit then
	return 0
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000000))
return 1
`)

// DefaultKey is used when no namespace is given.
const DefaultKey = "imagegw:ratelimit:rpm"

// RPMLimiter admits at most limit requests in any trailing minute.
type RPMLimiter struct {
	rdb     *redis.Client
	limit   int
	key     string
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Registry
}

type Option func(*RPMLimiter)

// WithKey namespaces the counter, e.g. per deployment.
func WithKey(key string) Option {
	return func(r *RPMLimiter) {
		if key != "" {
			r.key = key
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *RPMLimiter) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *RPMLimiter) { r.log = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(r *RPMLimiter) { r.metrics = m }
}

// NewRPMLimiter creates a limiter. limit must be > 0; values ≤ 0 block
// every request.
func NewRPMLimiter(rdb *redis.Client, limit int, opts ...Option) *RPMLimiter {
	r := &RPMLimiter{
		rdb:    rdb,
		limit:  limit,
		key:    DefaultKey,
		window: time.Minute,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Allow reports whether the current request fits in the window. Redis
// failures admit the request.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	now := r.now().UnixNano()
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key},
		now, r.window.Nanoseconds(), r.limit, uuid.NewString(),
	).Int()
	if err != nil {
		r.log.WarnContext(ctx, "ratelimit_degraded", slog.String("error", err.Error()))
		r.metrics.RecordRateLimit("degraded")
		return true, nil
	}

	if result == 1 {
		r.metrics.RecordRateLimit("allowed")
		return true, nil
	}
	r.metrics.RecordRateLimit("rejected")
	return false, nil
}
