package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"
)

// --- /health and /readiness -------------------------------------------------

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"), okProvider("beta"))
	env.addKey(t, "alpha", "k-alpha-0001")
	c := serve(t, env.gw.Handler(nil))

	r := do(t, c, http.MethodGet, "/health", "", nil, nil)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d", r.status)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(r.body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != healthOK || snap.Store != healthOK {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Providers["alpha"].Status != healthOK || snap.Providers["beta"].Status != healthDegraded {
		t.Fatalf("providers = %+v", snap.Providers)
	}
}

func TestHandleReadiness(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	c := serve(t, env.gw.Handler(nil))

	r := do(t, c, http.MethodGet, "/readiness", "", nil, nil)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d (%s)", r.status, r.body)
	}
}

func TestHandleReadiness_StoreDown(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	env.gw.health.Close()
	env.gw.health = newChecker(t, env, func(context.Context) error { return errors.New("dial tcp: refused") })
	c := serve(t, env.gw.Handler(nil))

	r := do(t, c, http.MethodGet, "/readiness", "", nil, nil)
	if r.status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", r.status)
	}
}

// --- route table ------------------------------------------------------------

func TestHandler_MetricsRouteOptional(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))

	without := serve(t, env.gw.Handler(nil))
	if r := do(t, without, http.MethodGet, "/metrics", "", nil, nil); r.status != http.StatusNotFound {
		t.Fatalf("status without metrics = %d", r.status)
	}

	with := serve(t, env.gw.Handler(&ManagementRoutes{
		Metrics: func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("# metrics") },
	}))
	r := do(t, with, http.MethodGet, "/metrics", "", nil, nil)
	if r.status != http.StatusOK || string(r.body) != "# metrics" {
		t.Fatalf("status = %d body = %q", r.status, r.body)
	}
}

func TestHandler_UnknownRoute(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	c := serve(t, env.gw.Handler(nil))

	for _, path := range []string{"/v1/chat/completions", "/v1/images/variations"} {
		if r := do(t, c, http.MethodPost, path, "application/json", nil, nil); r.status != http.StatusNotFound {
			t.Errorf("%s: status = %d", path, r.status)
		}
	}
}

func TestHandler_WrongMethod(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	c := serve(t, env.gw.Handler(nil))

	if r := do(t, c, http.MethodGet, "/v1/images/generations", "", nil, nil); r.status != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", r.status)
	}
}

func TestHandler_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{CORSOrigins: []string{"https://app.example"}}, okProvider("alpha"))
	c := serve(t, env.gw.Handler(nil))

	r := do(t, c, http.MethodOptions, "/v1/images/generations", "", nil, nil)
	if r.status != http.StatusNoContent {
		t.Fatalf("status = %d", r.status)
	}
	if got := r.header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("origin = %q", got)
	}
}

func TestHandler_AppliesMiddleware(t *testing.T) {
	env := newTestEnv(t, GatewayOptions{}, okProvider("alpha"))
	c := serve(t, env.gw.Handler(nil))

	r := do(t, c, http.MethodGet, "/v1/models", "", nil, map[string]string{"X-Request-ID": "trace-1"})
	if r.header.Get("X-Request-ID") != "trace-1" {
		t.Errorf("request id = %q", r.header.Get("X-Request-ID"))
	}
	if r.header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("security headers missing: %v", r.header)
	}
	if r.header.Get("X-Response-Time") == "" {
		t.Errorf("timing header missing")
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
