package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/image-gateway/internal/keys"
	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/store"
	"github.com/nulpointcorp/image-gateway/pkg/apierr"
)

// registerAdmin mounts the key and provider administration API on grp.
// Every handler is wrapped with auth.
func (g *Gateway) registerAdmin(grp *router.Group, auth func(fasthttp.RequestHandler) fasthttp.RequestHandler) {
	grp.GET("/providers", auth(g.adminListProviders))
	grp.PUT("/providers/{provider}/enabled", auth(g.withProvider(g.adminSetEnabled)))
	grp.GET("/providers/{provider}/defaults/{task}", auth(g.withProvider(g.adminGetDefaults)))
	grp.PUT("/providers/{provider}/defaults/{task}", auth(g.withProvider(g.adminSetDefaults)))
	grp.GET("/providers/{provider}/stats", auth(g.withProvider(g.adminStats)))
	grp.GET("/providers/{provider}/keys", auth(g.withProvider(g.adminListKeys)))
	grp.POST("/providers/{provider}/keys", auth(g.withProvider(g.adminAddKey)))
	grp.PATCH("/providers/{provider}/keys/{id}", auth(g.withProvider(g.adminUpdateKey)))
	grp.DELETE("/providers/{provider}/keys/{id}", auth(g.withProvider(g.adminRemoveKey)))
	grp.POST("/keys/reset", auth(g.adminDailyReset))
}

type providerHandler func(ctx *fasthttp.RequestCtx, p providers.Provider)

// withProvider resolves the {provider} path parameter or answers 404.
func (g *Gateway) withProvider(h providerHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, _ := ctx.UserValue("provider").(string)
		p, ok := g.registry.Get(name)
		if !ok {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				fmt.Sprintf("unknown provider %q", name), apierr.TypeInvalidRequest, apierr.CodeNotFound)
			return
		}
		h(ctx, p)
	}
}

type (
	adminProvider struct {
		Name         string                 `json:"name"`
		Enabled      bool                   `json:"enabled"`
		Capabilities providers.Capabilities `json:"capabilities"`
		Models       map[string][]string    `json:"models"`
		Health       ProviderHealth         `json:"health"`
		Circuit      string                 `json:"circuit"`
	}

	// adminKey never carries the secret.
	adminKey struct {
		ID           string          `json:"id"`
		Key          string          `json:"key"`
		Name         string          `json:"name"`
		Enabled      bool            `json:"enabled"`
		Status       store.KeyStatus `json:"status"`
		LastUsed     *time.Time      `json:"last_used,omitempty"`
		AddedAt      time.Time       `json:"added_at"`
		SuccessCount int64           `json:"success_count"`
		TotalCalls   int64           `json:"total_calls"`
		ErrorCount   int64           `json:"error_count"`
	}

	addKeyRequest struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}

	patchKeyRequest struct {
		Name    *string `json:"name"`
		Enabled *bool   `json:"enabled"`
	}

	enabledRequest struct {
		Enabled *bool `json:"enabled"`
	}
)

func toAdminKey(rec store.CredentialRecord) adminKey {
	return adminKey{
		ID:           rec.ID,
		Key:          providers.Credential{Key: rec.Key}.Redacted(),
		Name:         rec.Name,
		Enabled:      rec.Enabled,
		Status:       rec.Status,
		LastUsed:     rec.LastUsed,
		AddedAt:      rec.AddedAt,
		SuccessCount: rec.SuccessCount,
		TotalCalls:   rec.TotalCalls,
		ErrorCount:   rec.ErrorCount,
	}
}

func (g *Gateway) adminListProviders(ctx *fasthttp.RequestCtx) {
	enabled := make(map[string]bool)
	for _, p := range g.registry.Enabled(ctx) {
		enabled[p.Name()] = true
	}

	all := g.registry.All()
	out := make([]adminProvider, 0, len(all))
	for _, p := range all {
		desc := p.Descriptor()
		health, _ := g.health.Provider(p.Name())
		out = append(out, adminProvider{
			Name:         p.Name(),
			Enabled:      enabled[p.Name()],
			Capabilities: desc.Capabilities,
			Models: map[string][]string{
				string(providers.TaskText): desc.Config.Models(providers.TaskText),
				string(providers.TaskEdit): desc.Config.Models(providers.TaskEdit),
			},
			Health:  health,
			Circuit: g.cb.StateLabel(p.Name()),
		})
	}
	writeJSON(ctx, map[string]any{"providers": out})
}

func (g *Gateway) adminSetEnabled(ctx *fasthttp.RequestCtx, p providers.Provider) {
	var req enabledRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Enabled == nil {
		apierr.WriteInvalid(ctx, "body must be {\"enabled\": bool}")
		return
	}
	if err := g.registry.SetEnabled(ctx, p.Name(), *req.Enabled); err != nil {
		writeAdminError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "provider_enabled_changed",
		slog.String("provider", p.Name()),
		slog.Bool("enabled", *req.Enabled),
	)
	writeJSON(ctx, map[string]any{"provider": p.Name(), "enabled": *req.Enabled})
}

func taskParam(ctx *fasthttp.RequestCtx) (providers.TaskType, bool) {
	raw, _ := ctx.UserValue("task").(string)
	task, ok := providers.ParseTaskType(raw)
	if !ok {
		apierr.WriteInvalid(ctx, fmt.Sprintf("unknown task %q (want text or edit)", raw))
	}
	return task, ok
}

func (g *Gateway) adminGetDefaults(ctx *fasthttp.RequestCtx, p providers.Provider) {
	task, ok := taskParam(ctx)
	if !ok {
		return
	}
	d, err := g.store.GetProviderTaskDefaults(ctx, p.Name(), string(task))
	if err != nil {
		writeAdminError(ctx, err)
		return
	}
	writeJSON(ctx, d)
}

func (g *Gateway) adminSetDefaults(ctx *fasthttp.RequestCtx, p providers.Provider) {
	task, ok := taskParam(ctx)
	if !ok {
		return
	}
	var d store.TaskDefaults
	if err := json.Unmarshal(ctx.PostBody(), &d); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if d.Count < 0 || d.Steps < 0 || (d.Weight != nil && *d.Weight < 0) {
		apierr.WriteInvalid(ctx, "count, steps and weight must not be negative")
		return
	}
	if d.Model != "" && !p.Descriptor().Config.HasModel(task, d.Model) {
		apierr.WriteInvalid(ctx, fmt.Sprintf("model %q is not supported by %s for %s", d.Model, p.Name(), task))
		return
	}
	if err := g.store.SetProviderTaskDefaults(ctx, p.Name(), string(task), d); err != nil {
		writeAdminError(ctx, err)
		return
	}
	writeJSON(ctx, d)
}

func (g *Gateway) adminStats(ctx *fasthttp.RequestCtx, p providers.Provider) {
	st, err := g.keys.Stats(ctx, p.Name())
	if err != nil {
		writeAdminError(ctx, err)
		return
	}
	writeJSON(ctx, st)
}

func (g *Gateway) adminListKeys(ctx *fasthttp.RequestCtx, p providers.Provider) {
	pool, err := g.keys.List(ctx, p.Name())
	if err != nil {
		writeAdminError(ctx, err)
		return
	}
	out := make([]adminKey, len(pool))
	for i, rec := range pool {
		out[i] = toAdminKey(rec)
	}
	writeJSON(ctx, map[string]any{"keys": out})
}

func (g *Gateway) adminAddKey(ctx *fasthttp.RequestCtx, p providers.Provider) {
	var req addKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		apierr.WriteInvalid(ctx, "field 'key' is required")
		return
	}
	rec, err := g.keys.AddKey(ctx, p.Name(), req.Key, req.Name)
	if err != nil {
		writeAdminError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "key_added",
		slog.String("provider", p.Name()),
		slog.String("id", rec.ID),
	)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, toAdminKey(rec))
}

func (g *Gateway) adminUpdateKey(ctx *fasthttp.RequestCtx, p providers.Provider) {
	id, _ := ctx.UserValue("id").(string)
	var req patchKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	rec, err := g.keys.UpdateKey(ctx, p.Name(), id, keys.KeyPatch{Name: req.Name, Enabled: req.Enabled})
	if err != nil {
		writeAdminError(ctx, err)
		return
	}
	writeJSON(ctx, toAdminKey(rec))
}

func (g *Gateway) adminRemoveKey(ctx *fasthttp.RequestCtx, p providers.Provider) {
	id, _ := ctx.UserValue("id").(string)
	if err := g.keys.RemoveKey(ctx, p.Name(), id); err != nil {
		writeAdminError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "key_removed",
		slog.String("provider", p.Name()),
		slog.String("id", id),
	)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) adminDailyReset(ctx *fasthttp.RequestCtx) {
	reset, err := g.keys.CheckDailyReset(ctx)
	if err != nil {
		writeAdminError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]bool{"reset": reset})
}

// writeAdminError maps key and store sentinels to statuses.
func writeAdminError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, keys.ErrKeyNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, err.Error(), apierr.TypeInvalidRequest, apierr.CodeNotFound)
	case errors.Is(err, keys.ErrDuplicateKey):
		apierr.Write(ctx, fasthttp.StatusConflict, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, keys.ErrInvalidFormat):
		apierr.WriteInvalid(ctx, err.Error())
	case errors.Is(err, store.ErrConflict):
		apierr.Write(ctx, fasthttp.StatusConflict, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
	}
}
