package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/image-gateway/internal/generation"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/routing"
)

// errNoStepDispatched is returned when every plan step was skipped before
// reaching an upstream (open breaker, disabled provider).
var errNoStepDispatched = errors.New("no provider available for this request")

// executePlan walks plan left to right until one step succeeds.
//
// At most g.maxRetries steps reach an upstream. Steps whose provider has an
// open breaker are skipped. A provider with no usable key counts as an
// exhausted step and the walk moves on without dispatching. Key-health
// transitions for a failed step are applied before the next step starts.
// A validation failure stops the walk: other providers would reject the
// same request shape for the same reason or the caller must fix it.
//
// It returns the result, the provider that served it (or the last one
// tried) and the error of the last failed step.
func (g *Gateway) executePlan(ctx context.Context, plan routing.Plan, req *generation.Request, route string) (*providers.Result, string, error) {
	if len(plan.Steps) == 0 {
		return nil, "", errNoStepDispatched
	}
	primary := plan.Steps[0].Provider

	var (
		lastErr      error
		lastProvider string
		prevReason   string
		attempts     int
	)

	for _, step := range plan.Steps {
		if attempts >= g.maxRetries {
			break
		}
		name := step.Provider

		p, ok := g.registry.Get(name)
		if !ok {
			continue
		}

		cred, err := g.credentialFor(ctx, p)
		if err != nil {
			g.log.WarnContext(ctx, "key_pool_exhausted",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			g.metrics.RecordError(name, string(providers.KindExhausted))
			lastErr, lastProvider, prevReason = err, name, string(providers.KindExhausted)
			continue
		}

		if !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			continue
		}

		if lastProvider != "" && lastProvider != name {
			g.metrics.RecordFailover(primary, lastProvider, name, prevReason)
		}

		stepReq := *req
		stepReq.Model = step.Model

		start := time.Now()
		res, err := g.orch.Generate(ctx, p, cred, &stepReq)
		dur := time.Since(start)
		attempts++

		if err == nil {
			g.cb.RecordSuccess(name)
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			if !isSelfKeyed(p) {
				if rerr := g.keys.RecordOutcome(ctx, name, cred, true); rerr != nil {
					g.log.WarnContext(ctx, "key_counter_update_failed", slog.String("error", rerr.Error()))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
				g.metrics.RecordFailoverSuccess(primary, name)
			}
			return res, name, nil
		}

		kind := providers.KindOf(err)
		reason := string(kind)

		if !providers.Retryable(err) {
			g.cb.Release(name)
			g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
			return nil, name, err
		}

		// Self-keyed providers account for their own credentials per attempt.
		if !isSelfKeyed(p) {
			g.keys.ApplyFailure(ctx, name, cred, err)
		}
		g.cb.RecordFailure(name)
		g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
		g.metrics.RecordError(name, reason)

		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", name),
			slog.String("model", step.Model),
			slog.String("key", cred.Redacted()),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr, lastProvider, prevReason = err, name, reason
	}

	g.metrics.RecordFailoverExhausted(primary)
	if lastErr == nil {
		return nil, "", errNoStepDispatched
	}
	if attempts <= 1 {
		return nil, lastProvider, lastErr
	}
	return nil, lastProvider, fmt.Errorf("all %d provider attempt(s) failed: %w", attempts, lastErr)
}

// credentialFor draws a key for p. Self-keyed providers pick their own
// credentials per attempt and receive the anonymous marker here.
func (g *Gateway) credentialFor(ctx context.Context, p providers.Provider) (providers.Credential, error) {
	if isSelfKeyed(p) {
		return providers.AnonymousCredential, nil
	}
	cred, err := g.keys.NextKey(ctx, p.Name())
	if err != nil {
		return providers.Credential{}, &providers.Error{
			Kind:     providers.KindExhausted,
			Provider: p.Name(),
			Message:  "no usable key",
			Err:      err,
		}
	}
	return cred, nil
}

func isSelfKeyed(p providers.Provider) bool {
	sk, ok := p.(providers.SelfKeyed)
	return ok && sk.SelfKeyed()
}
