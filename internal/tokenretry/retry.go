// Package tokenretry rotates credentials around a single upstream call when
// the backend signals rate limiting, either with HTTP 429 or inside a
// streamed error event.
package tokenretry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// DefaultAttempts is the attempt budget per call.
const DefaultAttempts = 3

// KeySource is the key-manager surface the wrapper needs.
type KeySource interface {
	NextKey(ctx context.Context, provider string) (providers.Credential, error)
	MarkExhausted(ctx context.Context, provider string, cred providers.Credential) error
	MarkInvalid(ctx context.Context, provider string, cred providers.Credential) error
	RecordOutcome(ctx context.Context, provider string, cred providers.Credential, success bool) error
}

var rateLimitKeywords = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"rate_limit",
	"quota",
	"too many requests",
	"exceeded",
}

// IsRateLimitPayload reports whether a streamed error payload describes
// rate limiting or quota exhaustion.
func IsRateLimitPayload(payload string) bool {
	p := strings.ToLower(payload)
	for _, kw := range rateLimitKeywords {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// Wrapper runs calls with credential rotation.
type Wrapper struct {
	keys     KeySource
	provider string
	attempts int
	log      *slog.Logger
	metrics  *metrics.Registry
}

// New creates a Wrapper for provider. attempts <= 0 selects DefaultAttempts.
func New(keys KeySource, provider string, attempts int, logger *slog.Logger, m *metrics.Registry) *Wrapper {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{keys: keys, provider: provider, attempts: attempts, log: logger, metrics: m}
}

// Do calls fn with a fresh credential per attempt and records each
// attempt's outcome against its credential. A rate-limited attempt marks
// its credential exhausted and retries; a rejected credential is disabled
// and its error returned. Any other error returns immediately. When the
// budget is spent the last error is wrapped as exhaustion.
func Do[T any](ctx context.Context, w *Wrapper, fn func(ctx context.Context, cred providers.Credential) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= w.attempts; attempt++ {
		cred, err := w.keys.NextKey(ctx, w.provider)
		if err != nil {
			return zero, &providers.Error{
				Kind: providers.KindExhausted, Provider: w.provider,
				Message: "no usable credential", Err: err,
			}
		}

		out, err := fn(ctx, cred)
		w.recordOutcome(ctx, cred, err == nil)
		if err == nil {
			return out, nil
		}

		switch providers.KindOf(err) {
		case providers.KindRateLimited:
		case providers.KindInvalidCredential:
			w.transition(ctx, w.keys.MarkInvalid(ctx, w.provider, cred))
			return zero, err
		default:
			return zero, err
		}

		lastErr = err
		w.transition(ctx, w.keys.MarkExhausted(ctx, w.provider, cred))
		w.log.InfoContext(ctx, "token_retry",
			slog.String("provider", w.provider),
			slog.Int("attempt", attempt),
			slog.String("key", cred.Redacted()),
			slog.String("error", err.Error()),
		)
		w.metrics.RecordTokenRetry(w.provider)

		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}
	}

	return zero, &providers.Error{
		Kind:     providers.KindExhausted,
		Provider: w.provider,
		Message:  fmt.Sprintf("rate limited on %d consecutive attempts", w.attempts),
		Err:      lastErr,
	}
}

func (w *Wrapper) recordOutcome(ctx context.Context, cred providers.Credential, success bool) {
	if err := w.keys.RecordOutcome(ctx, w.provider, cred, success); err != nil {
		w.log.WarnContext(ctx, "key_counter_update_failed",
			slog.String("provider", w.provider),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Wrapper) transition(ctx context.Context, err error) {
	if err != nil {
		w.log.WarnContext(ctx, "key_transition_failed",
			slog.String("provider", w.provider),
			slog.String("error", err.Error()),
		)
	}
}

// StreamError converts a streamed error payload into a typed error:
// rate-limit keywords yield a rate_limited error, anything else upstream.
func StreamError(provider, payload string) error {
	kind := providers.KindUpstream
	if IsRateLimitPayload(payload) {
		kind = providers.KindRateLimited
	}
	return &providers.Error{Kind: kind, Provider: provider, Message: "stream error: " + payload}
}

// IsExhausted reports whether err is the wrapper's final exhaustion error.
func IsExhausted(err error) bool {
	var pe *providers.Error
	return errors.As(err, &pe) && pe.Kind == providers.KindExhausted
}
