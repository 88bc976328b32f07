package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/bedrock-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full route table wrapped in the middleware chain.
// Pass nil for mgmt to serve the gateway routes only.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/chat", g.dispatchChat)
	r.POST("/embed", g.dispatchEmbed)
	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/embeddings", g.dispatchEmbed)
	r.GET("/v1/models", g.handleModels)
	r.GET("/v1/resolve", g.handleResolve)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.POST("/v1.0/bindings/{binding_name}", g.handleBinding)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		requestID,
		recovery(g.log),
		timing,
		accessLog(g.log),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Serve listens on addr (e.g. ":8080") until ctx is cancelled, then shuts
// the server down gracefully.
func (g *Gateway) Serve(ctx context.Context, addr string, mgmt *ManagementRoutes) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 2 * g.invokeTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.ShutdownWithContext(shutdownCtx)
		// Shutdown only closes listeners Serve has registered.
		_ = ln.Close()
		return err
	}
}

// handleHealth is a liveness probe and always answers {"status":"ok"}.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	if !g.health.ReadinessOK() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func (g *Gateway) handleBinding(ctx *fasthttp.RequestCtx) {
	if g.sidecar == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "binding passthrough is not configured")
		return
	}
	g.sidecar.Handle(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
