// Package huggingface adapts image Spaces served through the Gradio HTTP API
// to providers.Provider.
//
// A call is two requests: POST /gradio_api/call/{fn} returns an event id,
// then GET /gradio_api/call/{fn}/{event_id} streams SSE until a complete or
// error event. Quota exhaustion usually arrives as an error event rather
// than an HTTP status, so every call runs inside tokenretry, which rotates
// keys and falls back to anonymous access when the pool runs dry.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/sse"
	"github.com/nulpointcorp/image-gateway/internal/tokenretry"
)

const (
	providerName = "huggingface"
	maxErrorBody = 4 << 10
	defaultSide  = 1024
)

// Space describes one Gradio app and how to encode a request for it.
type Space struct {
	BaseURL  string
	Endpoint string
	// Data builds the positional Gradio inputs.
	Data func(req *providers.GenerateRequest, width, height int) []any
}

func fluxSchnell(req *providers.GenerateRequest, w, h int) []any {
	steps := req.Steps
	if steps <= 0 {
		steps = 4
	}
	return []any{req.Prompt, 0, true, w, h, steps}
}

func fluxDev(req *providers.GenerateRequest, w, h int) []any {
	steps := req.Steps
	if steps <= 0 {
		steps = 28
	}
	return []any{req.Prompt, 0, true, w, h, 3.5, steps}
}

// DefaultSpaces maps model ids to public Spaces.
var DefaultSpaces = map[string]Space{
	"black-forest-labs/FLUX.1-schnell": {
		BaseURL:  "https://black-forest-labs-flux-1-schnell.hf.space",
		Endpoint: "infer",
		Data:     fluxSchnell,
	},
	"black-forest-labs/FLUX.1-dev": {
		BaseURL:  "https://black-forest-labs-flux-1-dev.hf.space",
		Endpoint: "infer",
		Data:     fluxDev,
	},
}

type Provider struct {
	spaces   map[string]Space
	override string
	client   *http.Client
	retry    *tokenretry.Wrapper

	keys     tokenretry.KeySource
	attempts int
	log      *slog.Logger
	metrics  *metrics.Registry
}

type Option func(*Provider)

// WithBaseURL sends every Space's traffic to u (mocks, proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.override = strings.TrimRight(u, "/") }
}

// WithSpaces replaces DefaultSpaces.
func WithSpaces(spaces map[string]Space) Option {
	return func(p *Provider) { p.spaces = spaces }
}

// WithRetryAttempts sets the credential rotation budget per call.
func WithRetryAttempts(n int) Option {
	return func(p *Provider) { p.attempts = n }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Provider) { p.metrics = m }
}

// New creates the adapter. keys is consulted on every attempt.
func New(keys tokenretry.KeySource, opts ...Option) *Provider {
	p := &Provider{spaces: DefaultSpaces, keys: keys}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: providers.ProviderTimeout}
	}
	p.retry = tokenretry.New(p.keys, providerName, p.attempts, p.log, p.metrics)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Descriptor() providers.Descriptor {
	models := make([]string, 0, len(p.spaces))
	for m := range p.spaces {
		models = append(models, m)
	}
	slices.Sort(models)

	defaultModel := "black-forest-labs/FLUX.1-schnell"
	if _, ok := p.spaces[defaultModel]; !ok && len(models) > 0 {
		defaultModel = models[0]
	}

	return providers.Descriptor{
		Name: providerName,
		Capabilities: providers.Capabilities{
			TextToImage:           true,
			Anonymous:             true,
			MaxNativeOutputImages: 1,
			MaxOutputImages:       4,
			OutputFormats:         []string{providers.FormatURL},
		},
		Config: providers.Config{
			BaseURL:    p.override,
			TextModels: models,
			Defaults: map[providers.TaskType]providers.StaticDefaults{
				providers.TaskText: {Model: defaultModel, Size: "1024x1024", Count: 1},
			},
		},
	}
}

func (p *Provider) SupportedModels() []string { return p.Descriptor().Config.AllModels() }

func (p *Provider) DetectCredentialFormat(secret string) bool {
	return strings.HasPrefix(secret, "hf_")
}

// SelfKeyed reports that credentials are drawn per attempt by tokenretry.
func (p *Provider) SelfKeyed() bool { return true }

// Validate rejects sizes Gradio sliders cannot express.
func (p *Provider) Validate(_ providers.TaskType, req *providers.GenerateRequest) error {
	if _, ok := p.spaces[req.Model]; !ok {
		return providers.Validation(providerName, "unknown model %q", req.Model)
	}
	if req.Size == "" {
		return nil
	}
	w, h, err := parseSize(req.Size)
	if err != nil {
		return providers.Validation(providerName, "%v", err)
	}
	if w < 256 || h < 256 || w > 2048 || h > 2048 {
		return providers.Validation(providerName, "size %dx%d outside 256..2048", w, h)
	}
	return nil
}

// Generate ignores cred: the retry wrapper draws a fresh credential for
// every attempt.
func (p *Provider) Generate(ctx context.Context, _ providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	space, ok := p.spaces[req.Model]
	if !ok {
		return nil, providers.Validation(providerName, "unknown model %q", req.Model)
	}
	if p.override != "" {
		space.BaseURL = p.override
	}

	images, err := tokenretry.Do(ctx, p.retry, func(ctx context.Context, cred providers.Credential) ([]providers.Image, error) {
		return p.call(ctx, space, cred, req)
	})
	if err != nil {
		return nil, err
	}
	return &providers.Result{Images: images, Model: req.Model, Provider: providerName}, nil
}

func (p *Provider) call(ctx context.Context, space Space, cred providers.Credential, req *providers.GenerateRequest) ([]providers.Image, error) {
	w, h := defaultSide, defaultSide
	if req.Size != "" {
		if pw, ph, err := parseSize(req.Size); err == nil {
			w, h = pw, ph
		}
	}

	payload, err := json.Marshal(map[string]any{"data": space.Data(req, w, h)})
	if err != nil {
		return nil, fmt.Errorf("huggingface: encode request: %w", err)
	}

	callURL := space.BaseURL + "/gradio_api/call/" + space.Endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("huggingface: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := p.read(httpReq, cred)
	if err != nil {
		return nil, err
	}
	eventID := gjson.GetBytes(raw, "event_id").String()
	if eventID == "" {
		return nil, providers.Errorf(providers.KindProtocol, providerName, "call returned no event_id")
	}

	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, callURL+"/"+eventID, nil)
	if err != nil {
		return nil, fmt.Errorf("huggingface: build request: %w", err)
	}
	resp, err := p.open(streamReq, cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	term, err := sse.Classify(resp.Body)
	if err != nil {
		return nil, providers.Errorf(providers.KindProtocol, providerName, "read result stream: %v", err)
	}

	switch term.Kind {
	case sse.Error:
		return nil, tokenretry.StreamError(providerName, string(term.Data))
	case sse.Incomplete:
		return nil, providers.Errorf(providers.KindProtocol, providerName, "result stream ended without a complete event")
	}

	outputs, err := sse.ParseOutputs(term.Data)
	if err != nil {
		return nil, providers.Errorf(providers.KindProtocol, providerName, "%v", err)
	}

	images := make([]providers.Image, 0, len(outputs))
	for _, o := range outputs {
		url := o.URL
		if url == "" {
			url = space.BaseURL + "/gradio_api/file=" + o.Path
		}
		images = append(images, providers.Image{URL: url})
	}
	if len(images) == 0 {
		return nil, providers.Errorf(providers.KindUpstream, providerName, "complete event carried no images")
	}
	return images, nil
}

func (p *Provider) open(req *http.Request, cred providers.Credential) (*http.Response, error) {
	if !cred.Anonymous && cred.Key != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Key)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("huggingface: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, providers.FromStatus(providerName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (p *Provider) read(req *http.Request, cred providers.Credential) ([]byte, error) {
	resp, err := p.open(req, cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func parseSize(size string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WIDTHxHEIGHT", size)
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("size %q is not WIDTHxHEIGHT", size)
	}
	return wi, hi, nil
}
