// Package apierr writes the gateway's client-visible error bodies.
//
// Every error body is a flat JSON object with an "error" string; embedding
// failures also echo the client model id under "model".
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Messages shared by several handlers.
const (
	MsgRateLimited   = "rate limit exceeded"
	MsgInternal      = "internal server error"
	MsgTimeout       = "upstream request timed out"
	MsgModelRequired = "query parameter 'model' is required"
)

type envelope struct {
	Error string `json:"error"`
	Model string `json:"model,omitempty"`
}

// Write writes {"error": message} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	write(ctx, status, envelope{Error: message})
}

// WriteWithModel writes {"error": message, "model": model}.
func WriteWithModel(ctx *fasthttp.RequestCtx, status int, message, model string) {
	write(ctx, status, envelope{Error: message, Model: model})
}

// WriteRateLimit writes a 429 rate limit error. Retry-After is retryAfter
// rounded up to whole seconds, at least one.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(max(secs, 1)))
	Write(ctx, fasthttp.StatusTooManyRequests, MsgRateLimited)
}

// WriteUpstream maps a transport failure talking to an upstream to a status:
//
//	timeout (context deadline, net.Error timeout, fasthttp.ErrTimeout) → 504
//	anything else                                                      → 502
func WriteUpstream(ctx *fasthttp.RequestCtx, err error) {
	if IsTimeout(err) {
		Write(ctx, fasthttp.StatusGatewayTimeout, MsgTimeout)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, err.Error())
}

// IsTimeout reports whether err is a timeout of any transport the gateway uses.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fasthttp.ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func write(ctx *fasthttp.RequestCtx, status int, e envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(e)
	ctx.SetBody(body)
}
