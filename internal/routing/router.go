// Package routing builds the ordered dispatch plan for one generation
// request: which providers to try, in which order, and with which target
// model.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// ErrNoProvider means no enabled provider can serve the task.
var ErrNoProvider = errors.New("routing: no provider supports the request")

// AutoModel is the sentinel for "let the gateway pick".
const AutoModel = "auto"

// Plan match modes, also used as metric labels.
const (
	ModeModelMap   = "model_map"
	ModeExact      = "exact"
	ModeSubstring  = "substring"
	ModeCapability = "capability"
)

// Step is one (provider, target model) entry of a plan.
type Step struct {
	Provider string
	Model    string
}

// Plan is consumed left to right until a step succeeds.
type Plan struct {
	Steps []Step
	Mode  string
}

// Providers is the registry view the router needs.
type Providers interface {
	ForTaskIn(snap *store.Snapshot, task providers.TaskType) []providers.Provider
}

// Snapshots loads the configuration document that holds the enabled flags
// and per-task override records.
type Snapshots interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
}

// Rand picks uniformly in [0, n).
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Router produces plans. It holds no per-request state.
type Router struct {
	providers Providers
	snapshots Snapshots
	log       *slog.Logger
	metrics   *metrics.Registry

	randMu sync.Mutex
	rnd    Rand
}

// New creates a Router. A nil rnd uses the process-wide source.
func New(ps Providers, snapshots Snapshots, rnd Rand, logger *slog.Logger, m *metrics.Registry) *Router {
	if rnd == nil {
		rnd = globalRand{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{providers: ps, snapshots: snapshots, rnd: rnd, log: logger, metrics: m}
}

type candidate struct {
	provider providers.Provider
	model    string
	weight   int
}

// Plan returns the dispatch order for task and an optional preferred model.
//
// Providers whose model-map claims the preferred model win outright and are
// ordered by weight with ties kept in registration order. Otherwise
// candidates come from an exact model match, then a bidirectional substring
// match, then every capable provider; they are ordered by weight with ties
// shuffled on every call. The configuration snapshot is read once per plan.
func (r *Router) Plan(ctx context.Context, task providers.TaskType, preferred string) (Plan, error) {
	snap := r.snapshot(ctx)
	capable := r.providers.ForTaskIn(snap, task)
	if len(capable) == 0 {
		return Plan{}, ErrNoProvider
	}

	explicit := isExplicit(preferred)

	if explicit {
		if mapped := r.modelMapCandidates(snap, capable, task, preferred); len(mapped) > 0 {
			sort.SliceStable(mapped, func(i, j int) bool { return mapped[i].weight > mapped[j].weight })
			return r.finish(ctx, task, ModeModelMap, preferred, mapped), nil
		}
	}

	target := preferred
	if !explicit {
		target = AutoModel
	}

	mode := ModeCapability
	pool := capable
	if explicit {
		if exact := filter(capable, func(p providers.Provider) bool {
			return containsModel(p.SupportedModels(), preferred, false)
		}); len(exact) > 0 {
			mode, pool = ModeExact, exact
		} else if sub := filter(capable, func(p providers.Provider) bool {
			return containsModel(p.SupportedModels(), preferred, true)
		}); len(sub) > 0 {
			mode, pool = ModeSubstring, sub
		}
	}

	cands := make([]candidate, 0, len(pool))
	for _, p := range pool {
		d := snap.Defaults(p.Name(), string(task))
		cands = append(cands, candidate{provider: p, model: target, weight: weightOf(d)})
	}

	r.shuffle(cands)
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].weight > cands[j].weight })

	return r.finish(ctx, task, mode, preferred, cands), nil
}

func (r *Router) modelMapCandidates(snap *store.Snapshot, capable []providers.Provider, task providers.TaskType, preferred string) []candidate {
	var out []candidate
	for _, p := range capable {
		d := snap.Defaults(p.Name(), string(task))
		if !modelMapContains(d.ModelMap, preferred) {
			continue
		}
		model := d.Model
		if model == "" {
			model = p.Descriptor().Config.Defaults[task].Model
		}
		out = append(out, candidate{provider: p, model: model, weight: weightOf(d)})
	}
	return out
}

func (r *Router) finish(ctx context.Context, task providers.TaskType, mode, preferred string, cands []candidate) Plan {
	plan := Plan{Mode: mode, Steps: make([]Step, len(cands))}
	order := make([]string, len(cands))
	for i, c := range cands {
		plan.Steps[i] = Step{Provider: c.provider.Name(), Model: c.model}
		order[i] = c.provider.Name()
	}

	r.log.DebugContext(ctx, "route_plan",
		slog.String("task", string(task)),
		slog.String("preferred_model", preferred),
		slog.String("mode", mode),
		slog.Any("providers", order),
	)
	r.metrics.RecordRoutePlan(string(task), mode)
	return plan
}

// snapshot loads the configuration once. A failed load is logged and
// planned against an empty snapshot: every provider enabled, no overrides.
func (r *Router) snapshot(ctx context.Context) *store.Snapshot {
	if r.snapshots == nil {
		return store.NewSnapshot()
	}
	snap, err := r.snapshots.Snapshot(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "route_snapshot_failed", slog.String("error", err.Error()))
		return store.NewSnapshot()
	}
	return snap
}

// shuffle is a Fisher-Yates shuffle over the injected source.
func (r *Router) shuffle(c []candidate) {
	r.randMu.Lock()
	defer r.randMu.Unlock()
	for i := len(c) - 1; i > 0; i-- {
		j := r.rnd.IntN(i + 1)
		c[i], c[j] = c[j], c[i]
	}
}

func weightOf(d store.TaskDefaults) int {
	if d.Weight == nil {
		return providers.DefaultWeight
	}
	return *d.Weight
}

func isExplicit(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return m != "" && m != AutoModel && m != "default"
}

func modelMapContains(modelMap, model string) bool {
	if modelMap == "" {
		return false
	}
	for _, entry := range strings.Split(modelMap, ",") {
		if strings.EqualFold(strings.TrimSpace(entry), model) {
			return true
		}
	}
	return false
}

func containsModel(models []string, want string, substring bool) bool {
	w := strings.ToLower(want)
	for _, m := range models {
		lm := strings.ToLower(m)
		if !substring {
			if m == want {
				return true
			}
			continue
		}
		if strings.Contains(lm, w) || strings.Contains(w, lm) {
			return true
		}
	}
	return false
}

func filter(ps []providers.Provider, keep func(providers.Provider) bool) []providers.Provider {
	var out []providers.Provider
	for _, p := range ps {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
