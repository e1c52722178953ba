// Package gemini adapts Google Imagen and Gemini image-output models to
// providers.Provider.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Aspect ratios accepted by Imagen and Gemini image models.
var aspectRatios = map[string]bool{"1:1": true, "3:4": true, "4:3": true, "9:16": true, "16:9": true}

// Provider implements providers.Provider for Google image models.
type Provider struct {
	baseURL    string
	base       string
	apiVersion string
	timeout    time.Duration
	httpClient *http.Client
	images     *imageref.Fetcher

	// one SDK client per credential
	clients sync.Map
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
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

// WithFetcher sets the loader for input images.
func WithFetcher(f *imageref.Fetcher) Option {
	return func(p *Provider) { p.images = f }
}

// New creates a Gemini Provider. Credentials are supplied per call.
func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL, timeout: providers.ProviderTimeout}
	for _, o := range opts {
		o(p)
	}
	if p.images == nil {
		p.images = imageref.NewFetcher(nil)
	}
	p.httpClient = &http.Client{Timeout: p.timeout}
	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)
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
			MaxInputImages:        3,
			MaxNativeOutputImages: 4,
			MaxOutputImages:       8,
			OutputFormats:         []string{providers.FormatB64JSON},
		},
		Config: providers.Config{
			BaseURL: p.baseURL,
			TextModels: []string{
				"imagen-4.0-generate-001",
				"imagen-4.0-fast-generate-001",
				"imagen-3.0-generate-002",
				"gemini-2.5-flash-image",
			},
			EditModels: []string{"gemini-2.5-flash-image"},
			Defaults: map[providers.TaskType]providers.StaticDefaults{
				providers.TaskText: {Model: "imagen-4.0-generate-001", Size: "1:1", Count: 1},
				providers.TaskEdit: {Model: "gemini-2.5-flash-image", Size: "1:1", Count: 1},
			},
		},
	}
}

func (p *Provider) SupportedModels() []string { return p.Descriptor().Config.AllModels() }

func (p *Provider) DetectCredentialFormat(secret string) bool {
	return strings.HasPrefix(secret, "AIza")
}

// Validate rejects sizes that do not reduce to a supported aspect ratio, and
// edits routed to an Imagen model.
func (p *Provider) Validate(task providers.TaskType, req *providers.GenerateRequest) error {
	if req.Size != "" {
		if _, err := AspectRatio(req.Size); err != nil {
			return providers.Validation(providerName, "%v", err)
		}
	}
	if task == providers.TaskEdit && isImagen(req.Model) {
		return providers.Validation(providerName, "model %s does not accept input images", req.Model)
	}
	return nil
}

// Generate uses the Imagen predict endpoint for imagen-* models and
// image-output generateContent otherwise.
func (p *Provider) Generate(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}
	if isImagen(req.Model) && len(req.Images) == 0 {
		return p.generateImages(ctx, client, req)
	}

	images, err := p.generateContentN(ctx, client, req)
	if err != nil {
		return nil, err
	}
	return &providers.Result{Images: images, Model: req.Model, Provider: providerName}, nil
}

// Blend fuses every input image into one picture, req.N times.
func (p *Provider) Blend(ctx context.Context, cred providers.Credential, req *providers.GenerateRequest) (*providers.Result, error) {
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if isImagen(model) {
		model = p.Descriptor().Config.Defaults[providers.TaskEdit].Model
	}
	blend := *req
	blend.Model = model
	if blend.Prompt == "" {
		blend.Prompt = "Blend these images into a single coherent picture."
	}
	images, err := p.generateContentN(ctx, client, &blend)
	if err != nil {
		return nil, err
	}
	return &providers.Result{Images: images, Model: model, Provider: providerName}, nil
}

// generateContentN calls generateContent once per requested image, since
// each call yields a single picture.
func (p *Provider) generateContentN(ctx context.Context, client *genai.Client, req *providers.GenerateRequest) ([]providers.Image, error) {
	var images []providers.Image
	for i := 0; i < max(req.N, 1); i++ {
		one, err := p.generateContent(ctx, client, req)
		if err != nil {
			return nil, err
		}
		images = append(images, one...)
	}
	return images, nil
}

func (p *Provider) generateImages(ctx context.Context, client *genai.Client, req *providers.GenerateRequest) (*providers.Result, error) {
	cfg := &genai.GenerateImagesConfig{NumberOfImages: int32(max(req.N, 1))}
	if req.Size != "" {
		ratio, _ := AspectRatio(req.Size)
		cfg.AspectRatio = ratio
	}

	resp, err := client.Models.GenerateImages(ctx, req.Model, req.Prompt, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	res := &providers.Result{Model: req.Model, Provider: providerName}
	for _, gi := range resp.GeneratedImages {
		if gi == nil || gi.Image == nil || len(gi.Image.ImageBytes) == 0 {
			continue
		}
		res.Images = append(res.Images, providers.Image{
			B64JSON:       base64.StdEncoding.EncodeToString(gi.Image.ImageBytes),
			RevisedPrompt: gi.EnhancedPrompt,
		})
	}
	if len(res.Images) == 0 {
		return nil, providers.Errorf(providers.KindUpstream, providerName, "no images returned (filtered by safety settings?)")
	}
	return res, nil
}

func (p *Provider) generateContent(ctx context.Context, client *genai.Client, req *providers.GenerateRequest) ([]providers.Image, error) {
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	if req.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	for i, ref := range req.Images {
		data, mime, err := p.images.Load(ctx, ref)
		if err != nil {
			return nil, providers.Validation(providerName, "input image %d: %v", i, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mime))
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityText), string(genai.ModalityImage)},
	}
	if req.Size != "" {
		ratio, _ := AspectRatio(req.Size)
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: ratio}
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	var out []providers.Image
	var text strings.Builder
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			switch {
			case part == nil:
			case part.InlineData != nil && len(part.InlineData.Data) > 0:
				out = append(out, providers.Image{B64JSON: base64.StdEncoding.EncodeToString(part.InlineData.Data)})
			case part.Text != "":
				text.WriteString(part.Text)
			}
		}
	}
	if len(out) == 0 {
		msg := "no image in response"
		if text.Len() > 0 {
			msg += ": " + text.String()
		}
		return nil, providers.Errorf(providers.KindUpstream, providerName, "%s", msg)
	}
	return out, nil
}

func (p *Provider) clientFor(ctx context.Context, cred providers.Credential) (*genai.Client, error) {
	if cred.Key == "" {
		return nil, providers.Errorf(providers.KindInvalidCredential, providerName, "no API key")
	}
	if c, ok := p.clients.Load(cred.Key); ok {
		return c.(*genai.Client), nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cred.Key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	actual, _ := p.clients.LoadOrStore(cred.Key, client)
	return actual.(*genai.Client), nil
}

func isImagen(model string) bool {
	return strings.HasPrefix(model, "imagen")
}

// AspectRatio converts "WxH" or "W:H" to a supported ratio string.
func AspectRatio(size string) (string, error) {
	sep := "x"
	if strings.Contains(size, ":") {
		sep = ":"
	}
	w, h, ok := strings.Cut(size, sep)
	if !ok {
		return "", fmt.Errorf("size %q is not WIDTHxHEIGHT or W:H", size)
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 {
		return "", fmt.Errorf("size %q is not WIDTHxHEIGHT or W:H", size)
	}
	g := gcd(wi, hi)
	ratio := fmt.Sprintf("%d:%d", wi/g, hi/g)
	if !aspectRatios[ratio] {
		return "", fmt.Errorf("aspect ratio %s is not supported", ratio)
	}
	return ratio, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Kind:     providers.FromStatus(providerName, apiErr.Code, "").Kind,
			Provider: providerName,
			Status:   apiErr.Code,
			Message:  strings.TrimSpace(apiErr.Status + " " + apiErr.Message),
			Err:      err,
		}
	}
	return err
}
