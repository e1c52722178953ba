package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional handlers registered alongside the image
// routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") without management
// routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Minute,
		MaxRequestBodySize: 64 << 20,
	}
	go func() {
		<-g.baseCtx.Done()
		_ = srv.Shutdown()
	}()
	return srv.ListenAndServe(addr)
}

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	limited := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return rateLimit(g.limiter, g.metrics)(h)
	}

	r.POST("/v1/images/generations", limited(g.handleGenerations))
	r.POST("/v1/images/edits", limited(g.handleEdits))
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	if g.adminToken != "" {
		g.registerAdmin(r.Group("/admin"), adminAuth(g.adminToken))
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health.Ready(ctx) {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
