package generation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

// Resolve applies the model, size, count and step precedence rules for
// provider p:
//
//	model: request (if in the static list for the task) → override → static default
//	size:  request → override → static default
//	count: request → override → static default → 1, except providers in the
//	       forced set, which use the override count whenever one is configured
//
// The count is clamped to the provider's advertised output bound.
func (o *Orchestrator) Resolve(ctx context.Context, p providers.Provider, req *Request) *Task {
	desc := p.Descriptor()
	task := req.TaskType()
	static := desc.Config.Defaults[task]
	override := o.taskDefaults(ctx, desc.Name, task)

	t := &Task{
		ID:             uuid.NewString(),
		RequestID:      req.RequestID,
		Provider:       desc.Name,
		Type:           task,
		Prompt:         req.Prompt,
		Images:         req.Images,
		ResponseFormat: req.ResponseFormat,
		EnhancePrompt:  req.EnhancePrompt,
	}

	switch {
	case req.Model != "" && desc.Config.HasModel(task, req.Model):
		t.Model = req.Model
	case override.Model != "":
		t.Model = override.Model
	default:
		t.Model = static.Model
	}

	t.Size = firstNonEmpty(req.Size, override.Size, static.Size)

	if o.forced[desc.Name] && override.Count > 0 {
		t.Count = override.Count
	} else {
		t.Count = firstPositive(req.N, override.Count, static.Count, 1)
	}
	if limit := desc.Capabilities.MaxOutputImages; limit > 0 && t.Count > limit {
		t.Count = limit
	}

	t.Steps = firstPositive(req.Steps, override.Steps)
	return t
}

// Validate runs the provider's own checks, then the shared contract.
func (o *Orchestrator) Validate(p providers.Provider, t *Task) error {
	if v, ok := p.(providers.Validator); ok {
		if err := v.Validate(t.Type, t.upstream(0, t.Count, t.Prompt)); err != nil {
			return err
		}
	}
	return validateShared(p.Descriptor(), t)
}

func validateShared(desc providers.Descriptor, t *Task) error {
	caps := desc.Capabilities
	n := len(t.Images)

	switch {
	case t.Prompt == "" && n == 0:
		return providers.Validation(desc.Name, "a prompt or at least one input image is required")
	case n == 0 && !caps.TextToImage:
		return providers.Validation(desc.Name, "text-to-image is not supported")
	case caps.MaxInputImages > 0 && n > caps.MaxInputImages:
		return providers.Validation(desc.Name, "at most %d input images are supported, got %d", caps.MaxInputImages, n)
	case n > 0 && !caps.ImageToImage:
		return providers.Validation(desc.Name, "image-to-image is not supported")
	case n > 1 && !caps.MultiImageFusion:
		return providers.Validation(desc.Name, "multi-image fusion is not supported")
	}
	return nil
}

func (o *Orchestrator) taskDefaults(ctx context.Context, provider string, task providers.TaskType) store.TaskDefaults {
	if o.defaults == nil {
		return store.TaskDefaults{}
	}
	d, err := o.defaults.GetProviderTaskDefaults(ctx, provider, string(task))
	if err != nil {
		o.log.WarnContext(ctx, "task_defaults_unavailable",
			slog.String("provider", provider),
			slog.String("task", string(task)),
			slog.String("error", err.Error()),
		)
		return store.TaskDefaults{}
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
