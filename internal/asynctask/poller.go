// Package asynctask drives upstream backends that run generation as a
// background job: submit, poll at a fixed interval until a terminal state,
// extract the output references.
package asynctask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// Status is the canonical task state.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether no further polling is needed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Default loop parameters.
const (
	DefaultInterval     = 5 * time.Second
	DefaultMaxAttempts  = 60
	DefaultMaxAnomalies = 6
)

// ErrTimedOut is wrapped by the error returned when the attempt budget runs
// out before the task reaches a terminal state.
var ErrTimedOut = errors.New("asynctask: task did not finish within the poll budget")

// Task is one vendor's submit and poll calls.
type Task interface {
	// Submit starts the job and returns its identifier.
	Submit(ctx context.Context) (string, error)
	// Poll returns the raw status document of the job.
	Poll(ctx context.Context, taskID string) ([]byte, error)
}

// Snapshot is a poll response in canonical shape.
type Snapshot struct {
	Status     Status
	Outputs    []string
	Diagnostic string
}

// Normalizer maps a raw poll response to a Snapshot. ok is false when the
// response carries no recognisable status.
type Normalizer func(raw []byte) (snap Snapshot, ok bool)

// Config tunes the poll loop. Zero values select the defaults.
type Config struct {
	Interval     time.Duration
	MaxAttempts  int
	MaxAnomalies int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxAnomalies <= 0 {
		c.MaxAnomalies = DefaultMaxAnomalies
	}
	return c
}

// Outcome is the result of a finished task.
type Outcome struct {
	TaskID  string
	Status  Status
	Outputs []string
	Polls   int
}

// Poller runs the submit/poll state machine for one provider.
type Poller struct {
	provider  string
	cfg       Config
	normalize Normalizer
	log       *slog.Logger
	metrics   *metrics.Registry
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Poller.
type Option func(*Poller)

// WithNormalizer replaces DefaultNormalizer.
func WithNormalizer(n Normalizer) Option {
	return func(p *Poller) { p.normalize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithSleep replaces the inter-poll wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = fn }
}

// New creates a Poller.
func New(provider string, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		provider:  provider,
		cfg:       cfg.withDefaults(),
		normalize: DefaultNormalizer,
		log:       slog.Default(),
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run submits task and polls it to completion.
//
// Malformed responses and transient poll errors count as anomalies; a
// streak of MaxAnomalies of them fails the task, a valid response resets
// the streak. Rate-limit and credential errors fail immediately so the
// caller can update key health.
func (p *Poller) Run(ctx context.Context, task Task) (*Outcome, error) {
	id, err := task.Submit(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, providers.Errorf(providers.KindProtocol, p.provider, "submission returned no task id")
	}

	out := &Outcome{TaskID: id, Status: StatusSubmitted}
	streak := 0
	var lastAnomaly string

	for out.Polls < p.cfg.MaxAttempts {
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return p.finish(ctx, out, StatusTimedOut, &providers.Error{
				Kind: providers.KindTimeout, Provider: p.provider,
				Message: fmt.Sprintf("task %s: wait interrupted", id), Err: err,
			})
		}
		out.Polls++

		raw, err := task.Poll(ctx, id)
		if err != nil {
			switch providers.KindOf(err) {
			case providers.KindRateLimited, providers.KindInvalidCredential:
				return p.finish(ctx, out, StatusFailed, err)
			}
			lastAnomaly = err.Error()
			streak++
		} else if snap, ok := p.normalize(raw); !ok {
			lastAnomaly = truncate(string(raw), 200)
			streak++
		} else {
			streak = 0
			out.Status = snap.Status

			switch snap.Status {
			case StatusSucceeded:
				if len(snap.Outputs) == 0 {
					return p.finish(ctx, out, StatusFailed, providers.Errorf(providers.KindUpstream, p.provider,
						"task %s succeeded without output images", id))
				}
				out.Outputs = snap.Outputs
				return p.finish(ctx, out, StatusSucceeded, nil)
			case StatusFailed, StatusCancelled:
				msg := snap.Diagnostic
				if msg == "" {
					msg = truncate(string(raw), 500)
				}
				return p.finish(ctx, out, snap.Status, providers.Errorf(providers.KindUpstream, p.provider,
					"task %s %s: %s", id, snap.Status, msg))
			}
			continue
		}

		p.log.WarnContext(ctx, "poll_anomaly",
			slog.String("provider", p.provider),
			slog.String("task_id", id),
			slog.Int("streak", streak),
			slog.String("detail", lastAnomaly),
		)
		p.metrics.RecordPollAnomaly(p.provider)

		if streak >= p.cfg.MaxAnomalies {
			return p.finish(ctx, out, StatusFailed, providers.Errorf(providers.KindProtocol, p.provider,
				"task %s: %d consecutive malformed poll responses: %s", id, streak, lastAnomaly))
		}
	}

	return p.finish(ctx, out, StatusTimedOut, &providers.Error{
		Kind: providers.KindTimeout, Provider: p.provider,
		Message: fmt.Sprintf("task %s still %s after %d polls", id, out.Status, out.Polls),
		Err:     ErrTimedOut,
	})
}

func (p *Poller) finish(ctx context.Context, out *Outcome, status Status, err error) (*Outcome, error) {
	out.Status = status
	p.metrics.ObserveAsyncTask(p.provider, string(status), out.Polls)

	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	p.log.Log(ctx, level, "async_task_finished",
		slog.String("provider", p.provider),
		slog.String("task_id", out.TaskID),
		slog.String("status", string(status)),
		slog.Int("polls", out.Polls),
	)

	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
