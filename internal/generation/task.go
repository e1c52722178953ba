// Package generation resolves the effective parameters of an image request
// for one provider and dispatches it, splitting oversized requests into
// concurrent sub-calls when the provider's native output limit is smaller
// than the requested count.
package generation

import (
	"time"

	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// Request is the caller's intent for one inbound call, after the HTTP layer
// has decoded it. Model is the plan step's target model.
type Request struct {
	Prompt         string
	Model          string
	Size           string
	N              int
	Steps          int
	Images         []string
	ResponseFormat string
	EnhancePrompt  bool
	RequestID      string
}

// TaskType is edit when any input image is present.
func (r *Request) TaskType() providers.TaskType {
	if len(r.Images) > 0 {
		return providers.TaskEdit
	}
	return providers.TaskText
}

// Task is the resolved, per-provider form of a Request. It lives for one
// dispatch and is never persisted.
type Task struct {
	ID        string
	RequestID string
	Provider  string
	Type      providers.TaskType

	Model  string
	Size   string
	Count  int
	Steps  int
	Prompt string
	Images []string

	ResponseFormat string
	EnhancePrompt  bool
}

func (t *Task) upstream(index, n int, prompt string) *providers.GenerateRequest {
	return &providers.GenerateRequest{
		Model:          t.Model,
		Prompt:         prompt,
		Size:           t.Size,
		N:              n,
		Steps:          t.Steps,
		Images:         t.Images,
		ResponseFormat: t.ResponseFormat,
		RequestID:      t.RequestID,
		BatchIndex:     index,
	}
}

// Result is what the core hands back to the HTTP layer.
type Result struct {
	Success  bool              `json:"success"`
	Images   []providers.Image `json:"images,omitempty"`
	Model    string            `json:"model,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Error    string            `json:"error,omitempty"`
	// Duration is in milliseconds.
	Duration int64 `json:"duration"`
}

// Succeeded builds the success contract from a merged provider result.
func Succeeded(res *providers.Result, took time.Duration) Result {
	return Result{
		Success:  true,
		Images:   res.Images,
		Model:    res.Model,
		Provider: res.Provider,
		Duration: took.Milliseconds(),
	}
}

// Failed builds the failure contract. provider may be empty when no step
// was attempted.
func Failed(err error, provider string, took time.Duration) Result {
	return Result{
		Success:  false,
		Provider: provider,
		Error:    err.Error(),
		Duration: took.Milliseconds(),
	}
}
