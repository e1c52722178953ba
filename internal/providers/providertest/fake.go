// Package providertest provides an in-memory Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// Fake is a configurable providers.Provider. GenerateFunc defaults to
// returning req.N URL images named after the provider and batch index.
type Fake struct {
	Desc         providers.Descriptor
	KeyPrefix    string
	GenerateFunc func(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error)
	ValidateFunc func(task providers.TaskType, req *providers.GenerateRequest) error

	mu    sync.Mutex
	calls []providers.GenerateRequest
	creds []providers.Credential
}

// New returns a text-to-image Fake named name with the given models.
func New(name string, models ...string) *Fake {
	return &Fake{
		Desc: providers.Descriptor{
			Name: name,
			Capabilities: providers.Capabilities{
				TextToImage:           true,
				MaxNativeOutputImages: 1,
				MaxOutputImages:       10,
				OutputFormats:         []string{providers.FormatURL},
			},
			Config: providers.Config{
				TextModels: models,
				Defaults: map[providers.TaskType]providers.StaticDefaults{
					providers.TaskText: {Model: first(models), Size: "1024x1024", Count: 1},
				},
			},
		},
	}
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func (f *Fake) Name() string                       { return f.Desc.Name }
func (f *Fake) Descriptor() providers.Descriptor   { return f.Desc }
func (f *Fake) SupportedModels() []string          { return f.Desc.Config.AllModels() }
func (f *Fake) DetectCredentialFormat(s string) bool { return strings.HasPrefix(s, f.KeyPrefix) }

// Generate records the call and delegates to GenerateFunc.
func (f *Fake) Generate(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	f.creds = append(f.creds, cred)
	f.mu.Unlock()

	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, cred, req)
	}
	return Images(f.Desc.Name, req), nil
}

// Validate implements providers.Validator when ValidateFunc is set.
func (f *Fake) Validate(task providers.TaskType, req *providers.GenerateRequest) error {
	if f.ValidateFunc == nil {
		return nil
	}
	return f.ValidateFunc(task, req)
}

// Calls returns a copy of the recorded requests.
func (f *Fake) Calls() []providers.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.GenerateRequest(nil), f.calls...)
}

// Credentials returns the credentials passed to Generate.
func (f *Fake) Credentials() []providers.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.Credential(nil), f.creds...)
}

// Images builds a successful result with req.N images whose URLs encode the
// provider, batch index and position.
func Images(provider string, req *providers.GenerateRequest) *providers.Result {
	n := req.N
	if n <= 0 {
		n = 1
	}
	res := &providers.Result{Model: req.Model, Provider: provider}
	for i := 0; i < n; i++ {
		res.Images = append(res.Images, providers.Image{
			URL: fmt.Sprintf("https://img.test/%s/%d/%d.png", provider, req.BatchIndex, i),
		})
	}
	return res
}
