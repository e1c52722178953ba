// Package modelscope adapts the ModelScope API-Inference image endpoint,
// which runs generation as a background task, to providers.Provider.
package modelscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/image-gateway/internal/asynctask"
	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api-inference.modelscope.cn"
	providerName   = "modelscope"

	maxErrorBody = 4 << 10
)

type Provider struct {
	baseURL string
	client  *http.Client
	poller  *asynctask.Poller
	inliner *imageref.Inliner

	pollCfg  asynctask.Config
	pollOpts []asynctask.Option
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithPollConfig sets the poll interval and budgets.
func WithPollConfig(cfg asynctask.Config) Option {
	return func(p *Provider) { p.pollCfg = cfg }
}

// WithPollerOptions passes options through to the task poller.
func WithPollerOptions(opts ...asynctask.Option) Option {
	return func(p *Provider) { p.pollOpts = append(p.pollOpts, opts...) }
}

// WithInliner converts output URLs to base64 when b64_json is requested.
func WithInliner(in *imageref.Inliner) Option {
	return func(p *Provider) { p.inliner = in }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: providers.ProviderTimeout}
	}
	p.poller = asynctask.New(providerName, p.pollCfg, p.pollOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		Name: providerName,
		Capabilities: providers.Capabilities{
			TextToImage:           true,
			ImageToImage:          true,
			AsyncExecution:        true,
			MaxInputImages:        1,
			MaxNativeOutputImages: 1,
			MaxOutputImages:       4,
			OutputFormats:         []string{providers.FormatURL, providers.FormatB64JSON},
		},
		Config: providers.Config{
			BaseURL: p.baseURL,
			TextModels: []string{
				"Qwen/Qwen-Image",
				"black-forest-labs/FLUX.1-Krea-dev",
				"MusePublic/489_ckpt_FLUX_1",
				"MAILAND/majicflus_v1",
			},
			EditModels: []string{"Qwen/Qwen-Image-Edit"},
			Defaults: map[providers.TaskType]providers.StaticDefaults{
				providers.TaskText: {Model: "Qwen/Qwen-Image", Size: "1024x1024", Count: 1},
				providers.TaskEdit: {Model: "Qwen/Qwen-Image-Edit", Count: 1},
			},
		},
	}
}

func (p *Provider) SupportedModels() []string { return p.Descriptor().Config.AllModels() }

func (p *Provider) DetectCredentialFormat(secret string) bool {
	return strings.HasPrefix(secret, "ms-")
}

// Generate submits one task and waits for it.
func (p *Provider) Generate(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	if cred.Key == "" {
		return nil, providers.Errorf(providers.KindInvalidCredential, providerName, "no API key")
	}

	out, err := p.poller.Run(ctx, &task{p: p, key: cred.Key, req: req})
	if err != nil {
		return nil, err
	}

	res := &providers.Result{Model: req.Model, Provider: providerName}
	for _, ref := range out.Outputs {
		if imageref.IsRemote(ref) {
			res.Images = append(res.Images, providers.Image{URL: ref})
		} else {
			res.Images = append(res.Images, providers.Image{B64JSON: ref})
		}
	}
	if req.ResponseFormat == providers.FormatB64JSON && p.inliner != nil {
		res.Images = p.inliner.Inline(ctx, res.Images)
	}
	return res, nil
}

type submitBody struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Size     string `json:"size,omitempty"`
	Steps    int    `json:"steps,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// task is one ModelScope async job.
type task struct {
	p   *Provider
	key string
	req *providers.GenerateRequest
}

func (t *task) Submit(ctx context.Context) (string, error) {
	body := submitBody{
		Model:  t.req.Model,
		Prompt: t.req.Prompt,
		Size:   t.req.Size,
		Steps:  t.req.Steps,
	}
	if len(t.req.Images) > 0 {
		body.ImageURL = t.req.Images[0]
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("modelscope: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.p.baseURL+"/v1/images/generations", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("modelscope: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-ModelScope-Async-Mode", "true")

	raw, err := t.p.do(httpReq, t.key)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "task_id").String(), nil
}

func (t *task) Poll(ctx context.Context, taskID string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.p.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("modelscope: build request: %w", err)
	}
	httpReq.Header.Set("X-ModelScope-Task-Type", "image_generation")
	return t.p.do(httpReq, t.key)
}

func (p *Provider) do(req *http.Request, key string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelscope: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, providers.FromStatus(providerName, resp.StatusCode, errorMessage(raw))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("modelscope: read response: %w", err)
	}
	return raw, nil
}

func errorMessage(raw []byte) string {
	for _, path := range []string{"errors.message", "error.message", "message", "Message"} {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return strings.TrimSpace(string(raw))
}
