package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/bedrock-gateway/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// maxRequestIDLen bounds client-supplied X-Request-ID values. Longer or
// non-token values are replaced so they cannot bloat or forge log lines.
const maxRequestIDLen = 128

// recovery turns a handler panic into a 500 {"error"} body.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					reqID, _ := ctx.UserValue("request_id").(string)
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", reqID),
						slog.String("method", string(ctx.Method())),
						slog.String("path", string(ctx.Path())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.MsgInternal)
				}
			}()
			next(ctx)
		}
	}
}

// requestID echoes a well-formed client X-Request-ID or mints a UUID, and
// stores it under the "request_id" user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// timing sets X-Response-Time (Duration string, e.g. "2.5ms").
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// accessLog writes one DEBUG line per request. Probe and scrape routes are
// skipped.
func accessLog(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)

			switch string(ctx.Path()) {
			case "/health", "/readiness", "/metrics":
				return
			}
			if !log.Enabled(ctx, slog.LevelDebug) {
				return
			}
			reqID, _ := ctx.UserValue("request_id").(string)
			log.LogAttrs(ctx, slog.LevelDebug, "http_request",
				slog.String("request_id", reqID),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.Int("status", ctx.Response.StatusCode()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", ctx.RemoteIP().String()),
			)
		}
	}
}

// securityHeaders hardens API responses. Nothing served here is meant to be
// rendered, framed or stored by a browser.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
	}
}

// corsHandler answers CORS for the given origins. nil or ["*"] allows any
// origin; otherwise an allowlisted Origin is echoed back and others get no
// Allow-Origin header. Preflights end with 204.
func corsHandler(origins []string) middleware {
	open := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if open {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if origin := string(ctx.Request.Header.Peek("Origin")); origin != "" {
					if _, ok := allowed[origin]; ok {
						h.Set("Access-Control-Allow-Origin", origin)
					}
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Client-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Cache, X-Response-Time")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] is outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
