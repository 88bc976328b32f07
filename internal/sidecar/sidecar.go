// Package sidecar forwards binding invocations to a local sidecar runtime
// unchanged. The gateway does no translation on this path: the request body
// and headers (minus Host) go out as received and the sidecar's status, body
// and content type come back verbatim.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/pkg/apierr"
)

const (
	DefaultHost    = "http://localhost:3500"
	DefaultTimeout = 30 * time.Second

	defaultContentType = "application/json"
	bindingsPath       = "/v1.0/bindings/"
	healthPath         = "/v1.0/healthz"
)

// Proxy is the binding passthrough handler.
type Proxy struct {
	host    string
	timeout time.Duration
	client  *fasthttp.Client
	log     *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Proxy.
type Option func(*Proxy)

func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithClient replaces the fasthttp client (tests dial in-memory listeners).
func WithClient(c *fasthttp.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// New creates a passthrough to the sidecar at host (scheme://host:port).
func New(host string, opts ...Option) *Proxy {
	if host == "" {
		host = DefaultHost
	}
	p := &Proxy{
		host:    strings.TrimRight(host, "/"),
		timeout: DefaultTimeout,
		client: &fasthttp.Client{
			Name:                     "bedrock-gateway",
			NoDefaultUserAgentHeader: true,
			MaxConnsPerHost:          512,
			DisablePathNormalizing:   true,
		},
		log: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Host returns the sidecar base URL.
func (p *Proxy) Host() string { return p.host }

// Handle serves POST /v1.0/bindings/{binding_name}.
func (p *Proxy) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	binding, _ := ctx.UserValue("binding_name").(string)
	reqID, _ := ctx.UserValue("request_id").(string)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	ctx.Request.Header.CopyTo(&req.Header)
	req.Header.Del(fasthttp.HeaderHost)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(p.host + bindingsPath + binding)
	req.SetBody(ctx.PostBody())

	err := p.client.DoTimeout(req, resp, p.timeout)
	dur := time.Since(start)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ObserveSidecar(binding, 0, dur)
		}
		p.log.WarnContext(ctx, "sidecar_unreachable",
			slog.String("request_id", reqID),
			slog.String("binding", binding),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", dur),
		)
		apierr.WriteUpstream(ctx, fmt.Errorf("sidecar: %w", err))
		return
	}

	status := resp.StatusCode()
	if p.metrics != nil {
		p.metrics.ObserveSidecar(binding, status, dur)
	}
	p.log.DebugContext(ctx, "sidecar_ok",
		slog.String("request_id", reqID),
		slog.String("binding", binding),
		slog.Int("status", status),
		slog.Duration("elapsed", dur),
	)

	// Without this fasthttp reports its own default for a missing header.
	resp.Header.SetNoDefaultContentType(true)
	ct := string(resp.Header.ContentType())
	if ct == "" {
		ct = defaultContentType
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType(ct)
	if ce := resp.Header.Peek(fasthttp.HeaderContentEncoding); len(ce) > 0 {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderContentEncoding, ce)
	}
	ctx.SetBody(resp.Body())
}

// Ping checks that the sidecar answers its health endpoint.
func (p *Proxy) Ping(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(p.host + healthPath)

	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		return fmt.Errorf("sidecar: health status %d", sc)
	}
	return nil
}
