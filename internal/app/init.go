package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/catalog"
	"github.com/nulpointcorp/bedrock-gateway/internal/logger"
	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
	bedrockprov "github.com/nulpointcorp/bedrock-gateway/internal/providers/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/internal/proxy"
	"github.com/nulpointcorp/bedrock-gateway/internal/ratelimit"
	"github.com/nulpointcorp/bedrock-gateway/internal/sidecar"
	"github.com/nulpointcorp/bedrock-gateway/internal/tokens"
)

// initInfra establishes optional external connections.
// Redis is only required for CACHE_MODE=redis or a non-zero RPM_LIMIT.
func (a *App) initInfra(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if !needsRedis(a.cfg) {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initBackend builds the Bedrock client and the model catalog in front of
// its listing call.
func (a *App) initBackend(ctx context.Context) error {
	b := a.cfg.Bedrock
	if !a.cfg.HasCredentials() {
		a.log.Warn("no AWS credentials configured, relying on the runtime endpoint",
			slog.String("runtime_url", b.RuntimeURL))
	}

	var opts []bedrockprov.Option
	if b.SessionToken != "" {
		opts = append(opts, bedrockprov.WithSessionToken(b.SessionToken))
	}
	if b.RuntimeURL != "" {
		opts = append(opts, bedrockprov.WithRuntimeURL(b.RuntimeURL))
	}
	if b.ControlURL != "" {
		opts = append(opts, bedrockprov.WithControlURL(b.ControlURL))
	}
	a.backend = bedrockprov.New(b.AccessKey, b.SecretKey, b.Region, opts...)

	a.catalog = catalog.New(a.backend,
		catalog.WithTTL(a.cfg.Catalog.TTL),
		catalog.WithRefreshTimeout(a.cfg.Catalog.RefreshTimeout),
		catalog.WithLogger(a.log),
		catalog.WithMetrics(a.prom),
	)

	if a.cfg.Catalog.Warmup {
		n := len(a.catalog.Models(ctx, true))
		a.log.Info("catalog warmed up", slog.Int("models", n), slog.Bool("fresh", a.catalog.Fresh()))
	}

	a.log.Info("backend ready",
		slog.String("backend", a.backend.Name()),
		slog.String("region", b.Region),
	)
	return nil
}

// initServices creates the resolver, cache, tokenizer and request logger.
func (a *App) initServices(ctx context.Context) error {
	// ── Resolver ─────────────────────────────────────────────────────────────
	var overrides map[string]string
	if path := a.cfg.Resolver.AliasesFile; path != "" {
		m, err := modelmap.LoadAliasFile(path)
		if err != nil {
			return fmt.Errorf("aliases: %w", err)
		}
		overrides = m
	}
	a.aliases = modelmap.NewAliasTable(overrides)
	a.aliases.OnReload(func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		a.prom.RecordAliasReload(result)
	})
	a.resolver = modelmap.NewResolver(a.catalog,
		modelmap.WithAliases(a.aliases),
		modelmap.WithThreshold(a.cfg.Resolver.MatchThreshold),
		modelmap.WithLogger(a.log),
	)
	a.log.Info("resolver ready",
		slog.Int("aliases", a.aliases.Len()),
		slog.Float64("threshold", a.cfg.Resolver.MatchThreshold),
	)

	// ── Cache ────────────────────────────────────────────────────────────────
	switch a.cfg.Cache.Mode {
	case cache.ModeRedis:
		a.respCache = cache.NewRedisCache(a.rdb, a.log)
		a.log.Info("cache backend: redis")
	case cache.ModeMemory:
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		a.respCache = a.memCache
		a.log.Info("cache backend: memory (in-process)", slog.Int("max_entries", a.cfg.Cache.MaxEntries))
	case cache.ModeNone:
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if len(a.cfg.Cache.ExcludeModels) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeModels, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclude = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Tokens and invocation log ────────────────────────────────────────────
	tc, err := tokens.New(a.cfg.Tokenizer, a.log)
	if err != nil {
		return err
	}
	a.tokens = tc

	rl, err := logger.New(a.baseCtx, a.log, logger.WithMetrics(a.prom))
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = rl

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.baseCtx, a.backend, a.resolver, proxy.GatewayOptions{
		Logger:            a.log,
		MaxRetries:        a.cfg.Retry.MaxRetries,
		InvokeTimeout:     a.cfg.Bedrock.InvokeTimeout,
		CacheTTL:          a.cfg.Cache.TTL,
		Metrics:           a.prom,
		DefaultChatModel:  a.cfg.Resolver.DefaultChatModel,
		DefaultEmbedModel: a.cfg.Resolver.DefaultEmbedModel,
		Tokens:            a.tokens,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	})

	gw.SetCatalog(a.catalog)
	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	if a.respCache != nil {
		gw.SetCache(a.respCache, a.exclude)
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// ── Binding passthrough ──────────────────────────────────────────────────
	a.sidecar = sidecar.New(a.cfg.Sidecar.Host,
		sidecar.WithTimeout(a.cfg.Sidecar.Timeout),
		sidecar.WithLogger(a.log),
		sidecar.WithMetrics(a.prom),
	)
	gw.SetSidecar(a.sidecar)

	// ── Health ───────────────────────────────────────────────────────────────
	checks := []proxy.Check{
		{Name: "bedrock", Probe: a.backend.HealthCheck},
		{Name: "sidecar", Probe: a.sidecar.Ping},
	}
	if a.rdb != nil {
		checks = append(checks, proxy.Check{Name: "redis", Probe: redisProbe(a.rdb), Critical: true})
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, a.prom, checks...)
	gw.SetHealthChecker(a.health)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
