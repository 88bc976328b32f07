// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initBackend  — Bedrock client and model catalog
//  3. initServices — metrics, resolver, cache, tokenizer, request logger
//  4. initGateway  — proxy, sidecar passthrough, health checks
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/bedrock-gateway/internal/cache"
	"github.com/nulpointcorp/bedrock-gateway/internal/catalog"
	"github.com/nulpointcorp/bedrock-gateway/internal/config"
	"github.com/nulpointcorp/bedrock-gateway/internal/logger"
	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
	"github.com/nulpointcorp/bedrock-gateway/internal/proxy"
	"github.com/nulpointcorp/bedrock-gateway/internal/sidecar"
	"github.com/nulpointcorp/bedrock-gateway/internal/tokens"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	backend  providers.Backend
	catalog  *catalog.Cache
	aliases  *modelmap.AliasTable
	resolver *modelmap.Resolver
	tokens   *tokens.Counter

	respCache cache.Cache
	memCache  *cache.MemoryCache
	exclude   *cache.ExclusionList
	reqLogger *logger.Logger
	sidecar   *sidecar.Proxy
	health    *proxy.HealthChecker

	prom *metrics.Registry
	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backend", a.initBackend},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("app: init %s: %w", s.name, err), a.Close())
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("region", a.cfg.Bedrock.Region),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("sidecar", a.sidecar.Host()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(gctx, addr, a.mgmt)
	})

	if path := a.cfg.Resolver.AliasesFile; path != "" {
		g.Go(func() error {
			if err := a.aliases.Watch(gctx, path, a.log); err != nil {
				// Hot reload is a convenience; the loaded table stays in use.
				a.log.Warn("alias watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("shutdown incomplete", slog.String("error", cerr.Error()))
	}
	return err
}

// Close releases resources in reverse init order and reports every failure.
// Safe to call more than once, but not concurrently.
func (a *App) Close() error {
	var errs []error
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("invocation log: %w", err))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		a.rdb = nil
	}
	return errors.Join(errs...)
}

// connectRedis dials url and checks it with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe returns a health probe that reuses the existing client.
func redisProbe(rdb *redis.Client) proxy.Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// needsRedis reports whether any configured feature depends on Redis.
func needsRedis(cfg *config.Config) bool {
	return cfg.Cache.Mode == cache.ModeRedis || cfg.RateLimit.RPMLimit > 0
}
