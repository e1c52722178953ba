// Package proxy is the HTTP front of the image gateway.
//
// The Gateway accepts OpenAI-compatible image requests, asks the router for
// a plan of (provider, model) steps and walks that plan through the
// generation orchestrator, drawing keys from the key manager and skipping
// providers whose circuit breaker is open.
//
// Optional collaborators (rate limiter, generation log, remote-image
// inliner, object-store publisher, metrics) are nil-safe.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/image-gateway/internal/generation"
	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/keys"
	"github.com/nulpointcorp/image-gateway/internal/logger"
	"github.com/nulpointcorp/image-gateway/internal/metrics"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/registry"
	"github.com/nulpointcorp/image-gateway/internal/routing"
	"github.com/nulpointcorp/image-gateway/internal/store"
	"github.com/nulpointcorp/image-gateway/pkg/apierr"
)

const (
	routeGenerations = "images_generations"
	routeEdits       = "images_edits"

	// maxMultipartImageBytes bounds one uploaded edit image.
	maxMultipartImageBytes = 20 << 20
)

// Limiter admits inbound requests.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Inliner turns remote output URLs into base64 payloads.
type Inliner interface {
	Inline(ctx context.Context, images []providers.Image) []providers.Image
}

// Publisher uploads base64 outputs and returns URL images.
type Publisher interface {
	Publish(ctx context.Context, requestID string, images []providers.Image) []providers.Image
}

// Deps are the services a Gateway dispatches through. All are required.
type Deps struct {
	Registry     *registry.Registry
	Router       *routing.Router
	Orchestrator *generation.Orchestrator
	Keys         *keys.Manager
	Store        *store.Store
}

// GatewayOptions holds optional tuning. Zero values select defaults.
type GatewayOptions struct {
	Logger *slog.Logger

	// MaxRetries is the maximum number of plan steps dispatched upstream per
	// request. Default: providers.MaxRetries (3).
	MaxRetries int

	CBConfig CBConfig

	// HealthInterval is the key-pool probe period. Default 30s.
	HealthInterval time.Duration

	Metrics *metrics.Registry

	// AdminToken enables the /admin API when non-empty.
	AdminToken string

	// CORSOrigins: empty or ["*"] allows all.
	CORSOrigins []string
}

// Gateway is safe for concurrent use.
type Gateway struct {
	registry *registry.Registry
	router   *routing.Router
	orch     *generation.Orchestrator
	keys     *keys.Manager
	store    *store.Store

	cb      *CircuitBreaker
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	maxRetries int
	adminToken string

	// Optional dependencies.
	limiter   Limiter
	genLogger *logger.Logger
	inliner   Inliner
	publisher Publisher

	corsOrigins []string
}

// NewGateway creates a Gateway and starts its health checker.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	gw := &Gateway{
		registry:    deps.Registry,
		router:      deps.Router,
		orch:        deps.Orchestrator,
		keys:        deps.Keys,
		store:       deps.Store,
		cb:          NewCircuitBreaker(opts.CBConfig),
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		maxRetries:  maxRetries,
		adminToken:  opts.AdminToken,
		corsOrigins: opts.CORSOrigins,
	}

	for _, name := range gw.registry.Names() {
		gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
	}

	gw.health = NewHealthChecker(baseCtx, HealthOptions{
		Registry: deps.Registry,
		Keys:     deps.Keys,
		Ping:     deps.Store.Ping,
		Interval: opts.HealthInterval,
		Metrics:  opts.Metrics,
		Logger:   log,
	})

	return gw
}

// SetRateLimiter injects the inbound RPM limiter.
func (g *Gateway) SetRateLimiter(l Limiter) { g.limiter = l }

// SetLogger injects the async generation log.
func (g *Gateway) SetLogger(l *logger.Logger) { g.genLogger = l }

// SetInliner enables base64 conversion of URL outputs for b64_json requests.
func (g *Gateway) SetInliner(in Inliner) { g.inliner = in }

// SetPublisher enables object-store upload of base64 outputs for url requests.
func (g *Gateway) SetPublisher(p Publisher) { g.publisher = p }

// Close stops background probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Wire types ────────────────────────────────────────────────────────────

type (
	// inboundImageRequest is the JSON body of both image routes. "image"
	// accepts a single reference or an array, "images" an array.
	inboundImageRequest struct {
		Prompt         string          `json:"prompt"`
		Model          string          `json:"model"`
		N              int             `json:"n"`
		Size           string          `json:"size"`
		ResponseFormat string          `json:"response_format"`
		Steps          int             `json:"steps"`
		EnhancePrompt  bool            `json:"enhance_prompt"`
		Provider       string          `json:"provider"`
		Image          json.RawMessage `json:"image"`
		Images         []string        `json:"images"`
	}

	outboundImage struct {
		URL           string `json:"url,omitempty"`
		B64JSON       string `json:"b64_json,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	}

	outboundImageResponse struct {
		Created  int64           `json:"created"`
		Data     []outboundImage `json:"data"`
		Model    string          `json:"model,omitempty"`
		Provider string          `json:"provider,omitempty"`
	}
)

// references merges "image" and "images".
func (r *inboundImageRequest) references() ([]string, error) {
	refs := append([]string(nil), r.Images...)
	raw := strings.TrimSpace(string(r.Image))
	if raw == "" || raw == "null" {
		return refs, nil
	}
	var one string
	if err := json.Unmarshal(r.Image, &one); err == nil {
		if one != "" {
			refs = append(refs, one)
		}
		return refs, nil
	}
	var many []string
	if err := json.Unmarshal(r.Image, &many); err != nil {
		return nil, fmt.Errorf("'image' must be a string or array of strings")
	}
	return append(refs, many...), nil
}

func (r *inboundImageRequest) toGeneration(requestID string, images []string) *generation.Request {
	return &generation.Request{
		Prompt:         strings.TrimSpace(r.Prompt),
		Model:          r.Model,
		Size:           r.Size,
		N:              r.N,
		Steps:          r.Steps,
		Images:         images,
		ResponseFormat: r.ResponseFormat,
		EnhancePrompt:  r.EnhancePrompt,
		RequestID:      requestID,
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────

func (g *Gateway) handleGenerations(ctx *fasthttp.RequestCtx) {
	var in inboundImageRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if strings.TrimSpace(in.Prompt) == "" {
		apierr.WriteInvalid(ctx, "field 'prompt' is required")
		return
	}
	refs, err := in.references()
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}
	g.dispatch(ctx, routeGenerations, &in, refs)
}

func (g *Gateway) handleEdits(ctx *fasthttp.RequestCtx) {
	var (
		in   inboundImageRequest
		refs []string
		err  error
	)
	if strings.HasPrefix(string(ctx.Request.Header.ContentType()), "multipart/form-data") {
		in, refs, err = parseMultipartEdit(ctx)
	} else {
		if jerr := json.Unmarshal(ctx.PostBody(), &in); jerr != nil {
			apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", jerr.Error()))
			return
		}
		refs, err = in.references()
	}
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}
	if len(refs) == 0 {
		apierr.WriteInvalid(ctx, "at least one input image is required")
		return
	}
	g.dispatch(ctx, routeEdits, &in, refs)
}

// dispatch plans and executes one image request and writes the response.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string, in *inboundImageRequest, refs []string) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	req := in.toGeneration(reqID, refs)
	task := req.TaskType()

	plan, err := g.router.Plan(ctx, task, req.Model)
	if err == nil && in.Provider != "" {
		plan = pinned(plan, in.Provider)
		if len(plan.Steps) == 0 {
			err = fmt.Errorf("%w: provider %q cannot serve this %s request", routing.ErrNoProvider, in.Provider, task)
		}
	}
	if err != nil {
		g.log.WarnContext(ctx, "no_route",
			slog.String("request_id", reqID),
			slog.String("task", string(task)),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(), apierr.TypeProviderError, apierr.CodeNoProvider)
		g.logGeneration(req, generation.Failed(err, "", time.Since(start)), fasthttp.StatusServiceUnavailable)
		return
	}

	res, provider, err := g.executePlan(ctx, plan, req, route)
	if provider != "" {
		servedProvider = provider
	}
	if err != nil {
		out := generation.Failed(err, provider, time.Since(start))
		g.log.ErrorContext(ctx, "generation_failed",
			slog.String("request_id", reqID),
			slog.String("provider", provider),
			slog.String("kind", string(providers.KindOf(err))),
			slog.String("error", out.Error),
			slog.Int64("duration_ms", out.Duration),
		)
		if errors.Is(err, errNoStepDispatched) {
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(), apierr.TypeProviderError, apierr.CodeNoProvider)
		} else {
			apierr.WriteError(ctx, err)
		}
		g.logGeneration(req, out, ctx.Response.StatusCode())
		return
	}

	res.Images = g.shapeOutput(ctx, reqID, req.ResponseFormat, res.Images)
	out := generation.Succeeded(res, time.Since(start))
	g.metrics.AddImages(provider, len(out.Images))

	body, err := json.Marshal(toOutbound(out))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.InfoContext(ctx, "generation_ok",
		slog.String("request_id", reqID),
		slog.String("provider", out.Provider),
		slog.String("model", out.Model),
		slog.Int("images", len(out.Images)),
		slog.Int64("duration_ms", out.Duration),
	)

	ctx.Response.Header.Set("X-Provider", out.Provider)
	ctx.Response.Header.Set("X-Model", out.Model)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	g.logGeneration(req, out, fasthttp.StatusOK)
}

// shapeOutput converts outputs toward the requested encoding. Conversion
// failures keep the original image.
func (g *Gateway) shapeOutput(ctx context.Context, reqID, format string, images []providers.Image) []providers.Image {
	switch format {
	case providers.FormatB64JSON:
		if g.inliner != nil {
			return g.inliner.Inline(ctx, images)
		}
	case providers.FormatURL:
		if g.publisher != nil {
			return g.publisher.Publish(ctx, reqID, images)
		}
	}
	return images
}

func toOutbound(res generation.Result) outboundImageResponse {
	data := make([]outboundImage, len(res.Images))
	for i, img := range res.Images {
		data[i] = outboundImage(img)
	}
	return outboundImageResponse{
		Created:  time.Now().Unix(),
		Data:     data,
		Model:    res.Model,
		Provider: res.Provider,
	}
}

// pinned keeps only steps of provider.
func pinned(plan routing.Plan, provider string) routing.Plan {
	out := routing.Plan{Mode: plan.Mode}
	for _, s := range plan.Steps {
		if s.Provider == provider {
			out.Steps = append(out.Steps, s)
		}
	}
	return out
}

// parseMultipartEdit reads an OpenAI-style multipart edit request. Files
// under image, image[] and images become data URLs.
func parseMultipartEdit(ctx *fasthttp.RequestCtx) (inboundImageRequest, []string, error) {
	var in inboundImageRequest
	form, err := ctx.MultipartForm()
	if err != nil {
		return in, nil, fmt.Errorf("invalid multipart form: %s", err.Error())
	}

	value := func(k string) string {
		if v := form.Value[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	in.Prompt = value("prompt")
	in.Model = value("model")
	in.Size = value("size")
	in.ResponseFormat = value("response_format")
	in.Provider = value("provider")
	in.EnhancePrompt, _ = strconv.ParseBool(value("enhance_prompt"))
	if s := value("n"); s != "" {
		if in.N, err = strconv.Atoi(s); err != nil {
			return in, nil, fmt.Errorf("'n' must be an integer")
		}
	}
	if s := value("steps"); s != "" {
		if in.Steps, err = strconv.Atoi(s); err != nil {
			return in, nil, fmt.Errorf("'steps' must be an integer")
		}
	}

	var refs []string
	for _, field := range []string{"image", "image[]", "images"} {
		for _, fh := range form.File[field] {
			ref, err := fileDataURL(fh)
			if err != nil {
				return in, nil, err
			}
			refs = append(refs, ref)
		}
		for _, v := range form.Value[field] {
			if v = strings.TrimSpace(v); v != "" {
				refs = append(refs, v)
			}
		}
	}
	return in, refs, nil
}

func fileDataURL(fh *multipart.FileHeader) (string, error) {
	if fh.Size > maxMultipartImageBytes {
		return "", fmt.Errorf("image %q exceeds %d bytes", fh.Filename, maxMultipartImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("read image %q: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxMultipartImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image %q: %w", fh.Filename, err)
	}
	mime := imageref.Sniff(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("file %q is not an image (%s)", fh.Filename, mime)
	}
	return imageref.DataURL(mime, data), nil
}

// ── Models ────────────────────────────────────────────────────────────────

type (
	outboundModel struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		OwnedBy string               `json:"owned_by"`
		Tasks   []providers.TaskType `json:"tasks"`
	}
	outboundModelList struct {
		Object string          `json:"object"`
		Data   []outboundModel `json:"data"`
	}
)

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	entries := g.registry.Models(ctx)
	out := outboundModelList{Object: "list", Data: make([]outboundModel, 0, len(entries))}
	for _, e := range entries {
		out.Data = append(out.Data, outboundModel{
			ID:      e.ID,
			Object:  "model",
			OwnedBy: e.Provider,
			Tasks:   e.Tasks,
		})
	}
	writeJSON(ctx, out)
}

// logGeneration enqueues one GenerationLog entry. Never blocks.
func (g *Gateway) logGeneration(req *generation.Request, res generation.Result, status int) {
	if g.genLogger == nil {
		return
	}
	g.genLogger.Log(logger.GenerationLog{
		RequestID: req.RequestID,
		Provider:  res.Provider,
		Model:     res.Model,
		TaskType:  string(req.TaskType()),
		Requested: clampUint16(req.N),
		Images:    clampUint16(len(res.Images)),
		LatencyMs: uint32(min(res.Duration, math.MaxUint32)),
		Status:    uint16(status),
		Success:   res.Success,
		Error:     res.Error,
		CreatedAt: time.Now(),
	})
}

func clampUint16(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}
