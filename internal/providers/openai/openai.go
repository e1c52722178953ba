// Package openai adapts the OpenAI images API (and compatible servers) to
// providers.Provider.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"

	// DefaultMaxNative is the per-call image count used when none is configured.
	DefaultMaxNative = 4
)

var sizePattern = regexp.MustCompile(`^(auto|\d{2,5}x\d{2,5})$`)

type Provider struct {
	baseURL   string
	maxNative int
	timeout   time.Duration
	client    openaiSDK.Client
	images    *imageref.Fetcher
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithTimeout bounds one upstream HTTP call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxNative sets how many images one upstream call may return.
func WithMaxNative(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxNative = n
		}
	}
}

// WithFetcher sets the loader for edit input images.
func WithFetcher(f *imageref.Fetcher) Option {
	return func(p *Provider) { p.images = f }
}

// New creates the adapter. Credentials are supplied per call.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:   defaultBaseURL,
		maxNative: DefaultMaxNative,
		timeout:   providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.images == nil {
		p.images = imageref.NewFetcher(nil)
	}

	httpClient := &http.Client{Timeout: p.timeout}
	if p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	// Retries and key rotation belong to the gateway.
	p.client = openaiSDK.NewClient(
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		Name: providerName,
		Capabilities: providers.Capabilities{
			TextToImage:           true,
			ImageToImage:          true,
			MultiImageFusion:      true,
			MaxInputImages:        4,
			MaxNativeOutputImages: p.maxNative,
			MaxOutputImages:       10,
			OutputFormats:         []string{providers.FormatURL, providers.FormatB64JSON},
		},
		Config: providers.Config{
			BaseURL:    p.baseURL,
			TextModels: []string{"gpt-image-1", "dall-e-3", "dall-e-2"},
			EditModels: []string{"gpt-image-1", "dall-e-2"},
			Defaults: map[providers.TaskType]providers.StaticDefaults{
				providers.TaskText: {Model: "gpt-image-1", Size: "1024x1024", Count: 1},
				providers.TaskEdit: {Model: "gpt-image-1", Size: "1024x1024", Count: 1},
			},
		},
	}
}

func (p *Provider) SupportedModels() []string { return p.Descriptor().Config.AllModels() }

func (p *Provider) DetectCredentialFormat(secret string) bool {
	return strings.HasPrefix(secret, "sk-")
}

// Validate rejects malformed sizes before a round trip.
func (p *Provider) Validate(_ providers.TaskType, req *providers.GenerateRequest) error {
	if req.Size != "" && !sizePattern.MatchString(req.Size) {
		return providers.Validation(providerName, "size must be WIDTHxHEIGHT or auto, got %q", req.Size)
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	if cred.Key == "" {
		return nil, providers.Errorf(providers.KindInvalidCredential, providerName, "no API key")
	}
	if len(req.Images) > 0 {
		return p.edit(ctx, cred, req)
	}

	params := openaiSDK.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  req.Model,
		N:      openaiSDK.Int(int64(max(req.N, 1))),
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(req.Size)
	}
	if acceptsResponseFormat(req.Model) && req.ResponseFormat != "" {
		params.ResponseFormat = openaiSDK.ImageGenerateParamsResponseFormat(req.ResponseFormat)
	}

	resp, err := p.client.Images.Generate(ctx, params, option.WithAPIKey(cred.Key))
	if err != nil {
		return nil, toProviderError(err)
	}
	return toResult(req.Model, resp), nil
}

func (p *Provider) edit(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	files := make([]io.Reader, 0, len(req.Images))
	for i, ref := range req.Images {
		data, mime, err := p.images.Load(ctx, ref)
		if err != nil {
			return nil, providers.Validation(providerName, "input image %d: %v", i, err)
		}
		files = append(files, openaiSDK.File(bytes.NewReader(data), fmt.Sprintf("image-%d%s", i, extension(mime)), mime))
	}

	params := openaiSDK.ImageEditParams{
		Image:  openaiSDK.ImageEditParamsImageUnion{OfFileArray: files},
		Prompt: req.Prompt,
		Model:  req.Model,
		N:      openaiSDK.Int(int64(max(req.N, 1))),
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageEditParamsSize(req.Size)
	}
	if acceptsResponseFormat(req.Model) && req.ResponseFormat != "" {
		params.ResponseFormat = openaiSDK.ImageEditParamsResponseFormat(req.ResponseFormat)
	}

	resp, err := p.client.Images.Edit(ctx, params, option.WithAPIKey(cred.Key))
	if err != nil {
		return nil, toProviderError(err)
	}
	return toResult(req.Model, resp), nil
}

func toResult(model string, resp *openaiSDK.ImagesResponse) *providers.Result {
	res := &providers.Result{Model: model, Provider: providerName}
	for _, d := range resp.Data {
		res.Images = append(res.Images, providers.Image{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	return res
}

// gpt-image models always answer with base64 and reject response_format.
func acceptsResponseFormat(model string) bool {
	return strings.HasPrefix(model, "dall-e")
}

func extension(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".png"
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Kind:     providers.FromStatus(providerName, apierr.StatusCode, "").Kind,
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
			Err:      err,
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

// RoundTrip rewrites the SDK's default host onto the configured base URL.
func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
		u2.Path = basePath + "/" + strings.TrimLeft(strings.TrimPrefix(u2.Path, "/v1"), "/")
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
