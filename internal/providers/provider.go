// Package providers defines the contract shared by every upstream
// image-generation backend (OpenAI-compatible images API, Gemini/Imagen,
// ModelScope, Hugging Face Spaces).
//
// Each adapter lives in its own sub-package and implements Provider. The
// adapter only performs a single upstream call for an already-resolved
// request; model/size/count resolution and fan-out are done by the
// generation package, which composes with any Provider.
package providers

import (
	"context"
	"strings"
	"time"
)

// TaskType distinguishes text-to-image from image-conditioned generation.
type TaskType string

const (
	TaskText TaskType = "text"
	TaskEdit TaskType = "edit"
)

// ParseTaskType accepts the admin/API spelling of a task type.
func ParseTaskType(s string) (TaskType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "text2img", "generation", "generations":
		return TaskText, true
	case "edit", "img2img", "edits", "image":
		return TaskEdit, true
	}
	return "", false
}

// Output encodings a provider can return.
const (
	FormatURL     = "url"
	FormatB64JSON = "b64_json"
)

type (
	// Capabilities are the static feature flags of an adapter.
	Capabilities struct {
		TextToImage      bool
		ImageToImage     bool
		MultiImageFusion bool
		AsyncExecution   bool
		// Anonymous providers may be called without a credential when the
		// pool has no usable key.
		Anonymous bool

		MaxInputImages int
		// MaxNativeOutputImages is the per-call output limit. Zero means 1.
		MaxNativeOutputImages int
		// MaxOutputImages is the bound advertised to callers; requests
		// above the native limit are fanned out.
		MaxOutputImages int

		OutputFormats []string
	}

	// StaticDefaults are the built-in model/size/count for one task.
	StaticDefaults struct {
		Model string
		Size  string
		Count int
	}

	// Config is the static configuration of an adapter.
	Config struct {
		BaseURL    string
		TextModels []string
		EditModels []string
		Defaults   map[TaskType]StaticDefaults
	}

	// Descriptor is everything the registry and router know about an adapter.
	Descriptor struct {
		Name         string
		Capabilities Capabilities
		Config       Config
	}
)

// Supports reports whether the capability flags allow task.
func (c Capabilities) Supports(task TaskType) bool {
	switch task {
	case TaskText:
		return c.TextToImage
	case TaskEdit:
		return c.ImageToImage
	}
	return false
}

// NativeLimit returns MaxNativeOutputImages, defaulting to 1.
func (c Capabilities) NativeLimit() int {
	if c.MaxNativeOutputImages <= 0 {
		return 1
	}
	return c.MaxNativeOutputImages
}

// Models returns the static supported-model list for task.
func (c Config) Models(task TaskType) []string {
	if task == TaskEdit {
		return c.EditModels
	}
	return c.TextModels
}

// AllModels returns the combined text and edit model lists without duplicates.
func (c Config) AllModels() []string {
	seen := make(map[string]struct{}, len(c.TextModels)+len(c.EditModels))
	out := make([]string, 0, len(c.TextModels)+len(c.EditModels))
	for _, list := range [][]string{c.TextModels, c.EditModels} {
		for _, m := range list {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// HasModel reports whether model is in the static list for task.
func (c Config) HasModel(task TaskType, model string) bool {
	for _, m := range c.Models(task) {
		if m == model {
			return true
		}
	}
	return false
}

// Credential is the secret handed to an adapter for one call.
// The zero Credential with Anonymous set means "call unauthenticated".
type Credential struct {
	ID        string
	Key       string
	Anonymous bool
}

// AnonymousCredential is the marker returned by the key manager when the
// pool is empty but the provider allows unauthenticated calls.
var AnonymousCredential = Credential{Anonymous: true}

// Redacted returns a log-safe form of the secret.
func (c Credential) Redacted() string {
	if c.Anonymous {
		return "anonymous"
	}
	if len(c.Key) <= 8 {
		return "****"
	}
	return c.Key[:4] + "…" + c.Key[len(c.Key)-4:]
}

type (
	// Image is one generated output. Exactly one of URL and B64JSON is set.
	Image struct {
		URL           string `json:"url,omitempty"`
		B64JSON       string `json:"b64_json,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	}

	// GenerateRequest is a single resolved upstream call.
	GenerateRequest struct {
		Model          string
		Prompt         string
		Size           string
		N              int
		Steps          int
		Images         []string // data URLs or remote URLs
		ResponseFormat string
		RequestID      string

		// BatchIndex is the fan-out slot this call fills.
		BatchIndex int
	}

	// Result is the output of one upstream call.
	Result struct {
		Images   []Image
		Model    string
		Provider string
	}
)

// Provider is implemented by every upstream image backend.
type Provider interface {
	Name() string
	Descriptor() Descriptor
	// DetectCredentialFormat reports whether secret looks like a key for
	// this backend.
	DetectCredentialFormat(secret string) bool
	SupportedModels() []string
	Generate(ctx context.Context, cred Credential, req *GenerateRequest) (*Result, error)
}

// Blender is implemented by providers that fuse several input images into
// one output in a dedicated call. Check with a type assertion.
type Blender interface {
	Blend(ctx context.Context, cred Credential, req *GenerateRequest) (*Result, error)
}

// Validator is implemented by providers that layer extra request checks on
// top of the shared validation.
type Validator interface {
	Validate(task TaskType, req *GenerateRequest) error
}

// SelfKeyed is implemented by providers that draw and rotate credentials
// themselves (see package tokenretry). The gateway neither selects a key
// for them nor applies key-health transitions after the call.
type SelfKeyed interface {
	SelfKeyed() bool
}

// Default timeouts and plan constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 60 * time.Second
	DefaultWeight     = 10
)

type StatusCoder interface {
	HTTPStatus() int
}
