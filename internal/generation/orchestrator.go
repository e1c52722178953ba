package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/prompt"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// DefaultStagger is the start delay added per fan-out batch index.
const DefaultStagger = 500 * time.Millisecond

// ForcedCountProviders protect metered backends: their configured override
// count always wins over the caller's count.
var ForcedCountProviders = []string{"huggingface", "modelscope"}

// Defaults reads per-task override records.
type Defaults interface {
	GetProviderTaskDefaults(ctx context.Context, provider, task string) (store.TaskDefaults, error)
}

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	// Processor rewrites sub-call prompts when a request asks for it.
	Processor prompt.Processor
	Stagger   time.Duration
	// ForcedCount overrides ForcedCountProviders.
	ForcedCount []string
	// Sleep waits between staggered starts.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Orchestrator is shared by every provider; it keeps no per-request state.
type Orchestrator struct {
	defaults  Defaults
	processor prompt.Processor
	stagger   time.Duration
	forced    map[string]bool
	sleep     func(ctx context.Context, d time.Duration) error
	log       *slog.Logger
	metrics   *metrics.Registry
}

// New creates an Orchestrator reading overrides from defaults.
func New(defaults Defaults, opts Options) *Orchestrator {
	o := &Orchestrator{
		defaults:  defaults,
		processor: opts.Processor,
		stagger:   opts.Stagger,
		sleep:     opts.Sleep,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		forced:    make(map[string]bool),
	}
	if o.stagger <= 0 {
		o.stagger = DefaultStagger
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	forced := opts.ForcedCount
	if forced == nil {
		forced = ForcedCountProviders
	}
	for _, name := range forced {
		o.forced[name] = true
	}
	return o
}

// Generate resolves req for p, validates it and dispatches it with cred.
// Sub-calls are detached from ctx's cancellation: an abandoned inbound
// request does not abort work already sent upstream.
func (o *Orchestrator) Generate(ctx context.Context, p providers.Provider, cred providers.Credential, req *Request) (*providers.Result, error) {
	t := o.Resolve(ctx, p, req)
	if err := o.Validate(p, t); err != nil {
		return nil, err
	}

	dispatch := p.Generate
	if b, ok := p.(providers.Blender); ok && len(t.Images) > 1 {
		dispatch = b.Blend
	}

	return o.fanOut(ctx, p, cred, t, dispatch)
}

type dispatchFunc func(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error)

// Batches splits count into per-call sizes no larger than native.
func Batches(count, native int) []int {
	if native <= 0 {
		native = 1
	}
	if count <= 0 {
		count = 1
	}
	sizes := make([]int, 0, (count+native-1)/native)
	for remaining := count; remaining > 0; remaining -= native {
		sizes = append(sizes, min(remaining, native))
	}
	return sizes
}

func (o *Orchestrator) fanOut(ctx context.Context, p providers.Provider, cred providers.Credential, t *Task, dispatch dispatchFunc) (*providers.Result, error) {
	sizes := Batches(t.Count, p.Descriptor().Capabilities.NativeLimit())
	total := len(sizes)

	detached := context.WithoutCancel(ctx)
	if total == 1 {
		res, err := dispatch(detached, cred, t.upstream(0, sizes[0], o.promptFor(detached, t, 0, 1)))
		if err != nil {
			return nil, err
		}
		return checked(t, res)
	}

	o.log.InfoContext(ctx, "fanout",
		slog.String("task_id", t.ID),
		slog.String("provider", t.Provider),
		slog.String("model", t.Model),
		slog.Int("count", t.Count),
		slog.Int("subcalls", total),
	)
	o.metrics.AddFanOutSubcalls(t.Provider, total)

	results := make([]*providers.Result, total)
	g, gctx := errgroup.WithContext(detached)
	for i, n := range sizes {
		g.Go(func() error {
			if i > 0 {
				if err := o.sleep(gctx, time.Duration(i)*o.stagger); err != nil {
					return err
				}
			}
			res, err := dispatch(gctx, cred, t.upstream(i, n, o.promptFor(gctx, t, i, total)))
			if err != nil {
				o.log.WarnContext(ctx, "fanout_subcall_failed",
					slog.String("task_id", t.ID),
					slog.String("provider", t.Provider),
					slog.Int("batch", i),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("batch %d/%d: %w", i+1, total, err)
			}
			results[i], err = checked(t, res)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return merge(results), nil
}

func checked(t *Task, res *providers.Result) (*providers.Result, error) {
	if res == nil || len(res.Images) == 0 {
		return nil, providers.Errorf(providers.KindUpstream, t.Provider, "upstream returned no images")
	}
	if res.Provider == "" {
		res.Provider = t.Provider
	}
	if res.Model == "" {
		res.Model = t.Model
	}
	return res, nil
}

// merge concatenates images in batch order; metadata comes from batch 0.
func merge(results []*providers.Result) *providers.Result {
	out := &providers.Result{Model: results[0].Model, Provider: results[0].Provider}
	for _, r := range results {
		out.Images = append(out.Images, r.Images...)
	}
	return out
}

func (o *Orchestrator) promptFor(ctx context.Context, t *Task, index, total int) string {
	if !t.EnhancePrompt || o.processor == nil || t.Prompt == "" {
		return t.Prompt
	}
	out, err := o.processor.Process(ctx, t.Prompt, index, total)
	if err != nil || out == "" {
		attrs := []any{
			slog.String("task_id", t.ID),
			slog.Int("batch", index),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		o.log.WarnContext(ctx, "prompt_processing_failed", attrs...)
		return t.Prompt
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
