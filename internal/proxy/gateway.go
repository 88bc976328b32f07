// Package proxy is the core request dispatcher.
//
// The Gateway receives a chat or embedding request in any supported shape,
// resolves the client model id to a Bedrock model id, builds the
// model-native body, checks the cache, applies rate limiting, invokes the
// model with retry and a per-model circuit breaker, and normalizes the output
// back into one stable response shape that echoes the client model id.
//
// Key design constraints:
//   - Backend failures are reported in-band with HTTP 200; only malformed
//     requests and rate limiting use error statuses.
//   - Logger, cache, rate limiter and health checker are optional and nil-safe.
//   - Backend calls run on the gateway's base context with their own
//     timeout, so a client disconnect does not abort an in-flight call.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/logger"
	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
	"github.com/nulpointcorp/bedrock-gateway/internal/payload"
	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
	"github.com/nulpointcorp/bedrock-gateway/internal/ratelimit"
	"github.com/nulpointcorp/bedrock-gateway/internal/sidecar"
	"github.com/nulpointcorp/bedrock-gateway/internal/tokens"
	"github.com/nulpointcorp/bedrock-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	routeChat  = "chat"
	routeEmbed = "embed"

	// clientIDHeader identifies the caller for rate limiting.
	clientIDHeader = "X-Client-ID"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and retry
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of attempts per invocation
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (2).
	MaxRetries int

	// InvokeTimeout bounds one backend attempt.
	// Default: providers.InvokeTimeout (60s).
	InvokeTimeout time.Duration

	// CBConfig configures the per-model circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the TTL for cached backend outputs. Default: 10m.
	CacheTTL time.Duration

	// DefaultChatModel is the client model id assumed when a chat request
	// names none. Default: modelmap.DefaultLlamaModel.
	DefaultChatModel string

	// DefaultEmbedModel is the client model id assumed when an embedding
	// request names none. Default: modelmap.DefaultEmbeddingModel.
	DefaultEmbedModel string

	// Tokens counts prompt and completion tokens for logs and metrics.
	// When nil, the length heuristic is used.
	Tokens *tokens.Counter
}

// Gateway is the main dispatcher. All dependencies are injected via the
// constructor or setters so they can be replaced with doubles in unit tests.
type Gateway struct {
	backend  providers.Invoker
	resolver *modelmap.Resolver
	catalog  modelmap.Catalog
	cache    cache.Cache
	cb       *CircuitBreaker
	health   *HealthChecker
	sidecar  *sidecar.Proxy
	tokens   *tokens.Counter
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	maxRetries        int
	invokeTimeout     time.Duration
	cacheTTL          time.Duration
	defaultChatModel  string
	defaultEmbedModel string

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice or ["*"] allows all.
	corsOrigins []string
}

// NewGateway creates a Gateway that invokes models through backend and maps
// client ids with resolver.
func NewGateway(
	baseCtx context.Context,
	backend providers.Invoker,
	resolver *modelmap.Resolver,
	opts GatewayOptions,
) *Gateway {
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

	invokeTimeout := opts.InvokeTimeout
	if invokeTimeout <= 0 {
		invokeTimeout = providers.InvokeTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	defaultChat := opts.DefaultChatModel
	if defaultChat == "" {
		defaultChat = modelmap.DefaultLlamaModel
	}
	defaultEmbed := opts.DefaultEmbedModel
	if defaultEmbed == "" {
		defaultEmbed = modelmap.DefaultEmbeddingModel
	}

	return &Gateway{
		backend:           backend,
		resolver:          resolver,
		cb:                NewCircuitBreakerWithConfig(opts.CBConfig),
		tokens:            opts.Tokens,
		baseCtx:           baseCtx,
		log:               log,
		metrics:           opts.Metrics,
		maxRetries:        maxRetries,
		invokeTimeout:     invokeTimeout,
		cacheTTL:          cacheTTL,
		defaultChatModel:  defaultChat,
		defaultEmbedModel: defaultEmbed,
	}
}

// SetCatalog exposes the model catalog on GET /v1/models.
func (g *Gateway) SetCatalog(c modelmap.Catalog) { g.catalog = c }

// SetCache injects the response cache and its exclusion list. Invocations
// whose backend model matches el skip both cache GET and SET.
func (g *Gateway) SetCache(c cache.Cache, el *cache.ExclusionList) {
	g.cache = c
	g.cacheExclusions = el
}

// SetRateLimiter injects the RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) { g.rpmLimiter = rpm }

// SetLogger injects the async invocation logger.
func (g *Gateway) SetLogger(l *logger.Logger) { g.reqLogger = l }

// SetSidecar enables the binding passthrough route.
func (g *Gateway) SetSidecar(p *sidecar.Proxy) { g.sidecar = p }

// SetHealthChecker enables dependency reporting on GET /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) { g.health = hc }

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// ── Response types ───────────────────────────────────────────────────────────

type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatChoice struct {
		Index        *int        `json:"index,omitempty"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason,omitempty"`
	}

	usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens,omitempty"`
		TotalTokens      int `json:"total_tokens"`
	}

	// chatResponse is the normalized chat envelope. The OpenAI-only fields
	// are filled on /v1/chat/completions and omitted on /chat.
	chatResponse struct {
		ID      string       `json:"id,omitempty"`
		Object  string       `json:"object,omitempty"`
		Created int64        `json:"created,omitempty"`
		Choices []chatChoice `json:"choices"`
		Model   string       `json:"model"`
		Usage   *usage       `json:"usage,omitempty"`
		Error   string       `json:"error,omitempty"`
	}

	embedData struct {
		Object    string    `json:"object,omitempty"`
		Index     *int      `json:"index,omitempty"`
		Embedding []float64 `json:"embedding"`
	}

	embedResponse struct {
		Object string      `json:"object,omitempty"`
		Data   []embedData `json:"data"`
		Model  string      `json:"model"`
		Usage  *usage      `json:"usage,omitempty"`
	}

	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}

	resolveResponse struct {
		Model        string  `json:"model"`
		BackendModel string  `json:"backend_model"`
		Normalized   string  `json:"normalized"`
		Strategy     string  `json:"strategy"`
		Score        float64 `json:"score"`
	}
)

// requestState collects what one dispatch learned, for metrics and the
// invocation log.
type requestState struct {
	start     time.Time
	route     string
	requestID string
	res       modelmap.Resolution
	family    string
	inTokens  int
	outTokens int
	attempts  int
	cached    bool
	errText   string
}

// ── Chat ─────────────────────────────────────────────────────────────────────

// dispatchChat handles POST /chat and POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	openAI := string(ctx.Path()) == "/v1/chat/completions"
	st := g.begin(ctx, routeChat)
	defer g.finish(ctx, st)

	if !g.allow(ctx, st) {
		return
	}

	// 1. Detect the request shape.
	req, err := payload.DetectChat(ctx.PostBody(), g.defaultChatModel)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	// 2. Resolve the model; a miss falls back to the family default.
	st.res = g.resolver.ResolveOrFallback(ctx, req.Model)
	g.observeResolution(ctx, st, string(req.Shape))

	// 3. Build the model-native body.
	body, err := payload.BuildChatBody(st.res.BackendID, req.Prompt)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.MsgInternal)
		return
	}

	// 4. Cache lookup, then invoke.
	output, err := g.invokeCached(ctx, st, body)
	if err != nil {
		st.errText = err.Error()
		g.log.WarnContext(ctx, "chat_invoke_failed",
			slog.String("request_id", st.requestID),
			slog.String("model", req.Model),
			slog.String("backend_model", st.res.BackendID),
			slog.Int("attempts", st.attempts),
			slog.String("error", st.errText),
		)
		resp := chatResponse{
			Choices: []chatChoice{{Message: chatMessage{
				Role:    "assistant",
				Content: fmt.Sprintf("Error: Could not process request with model %s. %s", st.res.BackendID, st.errText),
			}}},
			Model: req.Model,
			Error: st.errText,
		}
		writeJSON(ctx, resp)
		return
	}

	// 5. Extract the completion text; never fails.
	content, src := payload.Extract(output, st.res.BackendID)
	if g.metrics != nil {
		g.metrics.RecordExtraction(st.family, string(src))
	}
	if src == payload.SourceRaw || src == payload.SourceError {
		g.log.DebugContext(ctx, "extract_fallback",
			slog.String("request_id", st.requestID),
			slog.String("backend_model", st.res.BackendID),
			slog.String("source", string(src)),
		)
	}

	st.inTokens = g.tokens.Count(req.Prompt)
	st.outTokens = g.tokens.Count(content)

	resp := chatResponse{
		Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: content}}},
		Model:   req.Model,
	}
	if openAI {
		idx := 0
		resp.ID = "chatcmpl-" + st.requestID
		resp.Object = "chat.completion"
		resp.Created = time.Now().Unix()
		resp.Choices[0].Index = &idx
		resp.Choices[0].FinishReason = "stop"
		resp.Usage = &usage{
			PromptTokens:     st.inTokens,
			CompletionTokens: st.outTokens,
			TotalTokens:      st.inTokens + st.outTokens,
		}
	}
	writeJSON(ctx, resp)
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// dispatchEmbed handles POST /embed and POST /v1/embeddings.
func (g *Gateway) dispatchEmbed(ctx *fasthttp.RequestCtx) {
	openAI := string(ctx.Path()) == "/v1/embeddings"
	st := g.begin(ctx, routeEmbed)
	defer g.finish(ctx, st)

	if !g.allow(ctx, st) {
		return
	}

	req, err := payload.DetectEmbed(ctx.PostBody(), g.defaultEmbedModel)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	res, ok := g.resolver.Resolve(ctx, req.Model)
	if !ok {
		res.BackendID = modelmap.DefaultEmbeddingModel
		res.Strategy = modelmap.StrategyFallback
		res.Score = 0
	}
	st.res = res
	g.observeResolution(ctx, st, string(req.Shape))

	body, err := payload.BuildEmbedBody(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.MsgInternal)
		return
	}

	output, err := g.invokeCached(ctx, st, body)
	if err != nil {
		st.errText = err.Error()
		g.log.WarnContext(ctx, "embed_invoke_failed",
			slog.String("request_id", st.requestID),
			slog.String("model", req.Model),
			slog.String("backend_model", st.res.BackendID),
			slog.Int("attempts", st.attempts),
			slog.String("error", st.errText),
		)
		apierr.WriteWithModel(ctx, fasthttp.StatusOK, st.errText, req.Model)
		return
	}

	vec := payload.ExtractEmbedding(output)
	if vec == nil {
		vec = []float64{}
	}
	source := payload.SourceFamily
	if len(vec) == 0 {
		source = payload.SourceRaw
	}
	if g.metrics != nil {
		g.metrics.RecordExtraction(st.family, string(source))
	}
	st.inTokens = g.tokens.Count(req.Input)

	resp := embedResponse{
		Data:  []embedData{{Embedding: vec}},
		Model: req.Model,
	}
	if openAI {
		idx := 0
		resp.Object = "list"
		resp.Data[0].Object = "embedding"
		resp.Data[0].Index = &idx
		resp.Usage = &usage{PromptTokens: st.inTokens, TotalTokens: st.inTokens}
	}
	writeJSON(ctx, resp)
}

// ── Catalog and resolution ───────────────────────────────────────────────────

// handleModels serves GET /v1/models. ?refresh=true forces a listing call.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	out := modelList{Object: "list", Data: []modelEntry{}}
	if g.catalog != nil {
		force := string(ctx.QueryArgs().Peek("refresh")) == "true"
		for _, id := range g.catalog.Models(ctx, force) {
			out.Data = append(out.Data, modelEntry{ID: id, Object: "model", OwnedBy: familyLabel(id)})
		}
	}
	writeJSON(ctx, out)
}

// handleResolve serves GET /v1/resolve?model=<id> without invoking anything.
func (g *Gateway) handleResolve(ctx *fasthttp.RequestCtx) {
	model := string(ctx.QueryArgs().Peek("model"))
	if model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.MsgModelRequired)
		return
	}
	res := g.resolver.ResolveOrFallback(ctx, model)
	if g.metrics != nil {
		g.metrics.RecordResolution(string(res.Strategy))
	}
	writeJSON(ctx, resolveResponse{
		Model:        res.ClientID,
		BackendModel: res.BackendID,
		Normalized:   res.Normalized,
		Strategy:     string(res.Strategy),
		Score:        res.Score,
	})
}

// ── Shared dispatch steps ────────────────────────────────────────────────────

func (g *Gateway) begin(ctx *fasthttp.RequestCtx, route string) *requestState {
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	reqID, _ := ctx.UserValue("request_id").(string)
	return &requestState{start: time.Now(), route: route, requestID: reqID}
}

// finish records HTTP metrics and enqueues the invocation log entry for
// every request that got as far as resolution.
func (g *Gateway) finish(ctx *fasthttp.RequestCtx, st *requestState) {
	status := ctx.Response.StatusCode()
	dur := time.Since(st.start)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(st.route, status, dur, len(ctx.PostBody()), len(ctx.Response.Body()))
		if st.family != "" {
			g.metrics.AddTokens(st.family, st.route, st.inTokens, st.outTokens, st.cached)
		}
	}

	if g.reqLogger == nil || st.res.BackendID == "" {
		return
	}
	latency := dur.Milliseconds()
	if latency < 0 {
		latency = 0
	}
	attempts := st.attempts
	if attempts > 255 {
		attempts = 255
	}
	g.reqLogger.Log(logger.RequestLog{
		RequestID:    st.requestID,
		Route:        st.route,
		ClientModel:  st.res.ClientID,
		BackendModel: st.res.BackendID,
		Family:       st.family,
		Strategy:     string(st.res.Strategy),
		InputTokens:  uint32(st.inTokens),
		OutputTokens: uint32(st.outTokens),
		Attempts:     uint8(attempts),
		LatencyMs:    uint32(latency),
		Status:       uint16(status),
		Cached:       st.cached,
		Error:        st.errText,
		CreatedAt:    time.Now(),
	})
}

// allow applies the per-client RPM limit. It writes the 429 and returns false
// when the client is over its limit. Limiter errors fail open.
func (g *Gateway) allow(ctx *fasthttp.RequestCtx, st *requestState) bool {
	if g.rpmLimiter == nil {
		return true
	}
	client := clientKey(ctx)
	d, err := g.rpmLimiter.Allow(ctx, client)
	if err == nil {
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(g.rpmLimiter.Limit()))
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	switch {
	case err != nil:
		g.log.WarnContext(ctx, "rate_limit_error",
			slog.String("request_id", st.requestID),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.RecordRateLimit("error")
		}
		return true
	case !d.Allowed:
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", st.requestID),
			slog.String("client", client),
			slog.Duration("retry_after", d.RetryAfter),
		)
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(ctx, d.RetryAfter)
		return false
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return true
}

// clientKey identifies the caller: X-Client-ID when present, else the
// remote IP.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if id := string(ctx.Request.Header.Peek(clientIDHeader)); id != "" {
		return id
	}
	return ctx.RemoteIP().String()
}

func (g *Gateway) observeResolution(ctx *fasthttp.RequestCtx, st *requestState, shape string) {
	st.family = familyLabel(st.res.BackendID)
	if g.metrics != nil {
		g.metrics.RecordResolution(string(st.res.Strategy))
	}
	g.log.DebugContext(ctx, "resolved",
		slog.String("request_id", st.requestID),
		slog.String("route", st.route),
		slog.String("shape", shape),
		slog.String("model", st.res.ClientID),
		slog.String("normalized", st.res.Normalized),
		slog.String("strategy", string(st.res.Strategy)),
		slog.Float64("score", st.res.Score),
		slog.String("backend_model", st.res.BackendID),
	)
}

// invokeCached returns the backend output for body, from the cache when an
// identical invocation was stored, else by invoking the model. The raw
// output is cached rather than the normalized response, since the response
// echoes the client model id and several ids resolve to one backend model.
func (g *Gateway) invokeCached(ctx *fasthttp.RequestCtx, st *requestState, body []byte) ([]byte, error) {
	model := st.res.BackendID
	eligible := g.cache != nil && !g.cacheExclusions.Matches(model, familyLabel)

	var key string
	if eligible {
		key = cache.Key(st.route, model, body)
		if out, ok := g.cache.Get(ctx, key); ok {
			st.cached = true
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			return out, nil
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	if g.backend == nil {
		return nil, errors.New("no backend configured")
	}

	out, attempts, err := g.invokeWithRetry(g.baseCtx, invocation{
		requestID: st.requestID,
		route:     st.route,
		family:    st.family,
		model:     model,
		body:      body,
	})
	st.attempts = attempts
	if err != nil {
		return nil, err
	}

	if eligible {
		if err := g.cache.Set(g.baseCtx, key, out, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}
	return out, nil
}

// familyLabel returns the family of a backend id for metric labels and
// exclusion rules, "unknown" when no family prefix matches.
func familyLabel(backendID string) string {
	return modelmap.FamilyOf(backendID).String()
}
