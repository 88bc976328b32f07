package modelmap

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultThreshold is the minimum fuzzy score a catalog entry needs to be
// accepted.
const DefaultThreshold = 0.6

// Strategy names the rule that produced a Resolution.
type Strategy string

const (
	StrategyEmbedding Strategy = "embedding"
	StrategyAlias     Strategy = "alias"
	StrategyFuzzy     Strategy = "fuzzy"
	StrategyFallback  Strategy = "fallback"
)

// Catalog supplies the backend identifiers that are currently invokable.
// An empty result means the catalog cannot be used for resolution.
type Catalog interface {
	Models(ctx context.Context, forceRefresh bool) []string
}

// Resolution is the outcome of resolving one client model id.
type Resolution struct {
	ClientID   string
	BackendID  string
	Normalized string
	Strategy   Strategy
	// Score is set for fuzzy matches only; it includes the family boost.
	Score float64
}

// Resolver maps client model ids to backend ids. It is safe for concurrent
// use; the only shared state lives in the Catalog and AliasTable.
type Resolver struct {
	catalog   Catalog
	aliases   *AliasTable
	threshold float64
	log       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAliases replaces the built-in alias table.
func WithAliases(t *AliasTable) Option {
	return func(r *Resolver) { r.aliases = t }
}

// WithThreshold overrides DefaultThreshold.
func WithThreshold(v float64) Option {
	return func(r *Resolver) {
		if v > 0 {
			r.threshold = v
		}
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// NewResolver creates a Resolver backed by cat.
func NewResolver(cat Catalog, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:   cat,
		threshold: DefaultThreshold,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.aliases == nil {
		r.aliases = NewAliasTable(nil)
	}
	return r
}

// IsEmbeddingID reports whether a client id asks for an embedding model.
func IsEmbeddingID(clientID string) bool {
	return strings.Contains(strings.ToLower(clientID), "embed")
}

// Resolve maps clientID to a backend id. The boolean is false when nothing
// in the alias table or catalog is a good enough match; the caller decides
// what to substitute. Catalog failures never surface here.
func (r *Resolver) Resolve(ctx context.Context, clientID string) (Resolution, bool) {
	res := Resolution{ClientID: clientID}

	if IsEmbeddingID(clientID) {
		res.BackendID = DefaultEmbeddingModel
		res.Strategy = StrategyEmbedding
		return res, true
	}

	models := r.catalog.Models(ctx, false)
	if len(models) == 0 {
		r.log.DebugContext(ctx, "resolve_catalog_empty", slog.String("model", clientID))
		return res, false
	}

	res.Normalized = Normalize(clientID)

	if id, ok := r.aliases.Lookup(res.Normalized); ok {
		res.BackendID = id
		res.Strategy = StrategyAlias
		return res, true
	}

	best, score := bestMatch(res.Normalized, models)
	if score > r.threshold {
		res.BackendID = best
		res.Strategy = StrategyFuzzy
		res.Score = score
		return res, true
	}

	r.log.DebugContext(ctx, "resolve_no_match",
		slog.String("model", clientID),
		slog.String("normalized", res.Normalized),
		slog.String("best", best),
		slog.Float64("score", score),
	)
	return res, false
}

// ResolveOrFallback resolves clientID and substitutes FamilyFallback on a
// miss, so it always yields a backend id.
func (r *Resolver) ResolveOrFallback(ctx context.Context, clientID string) Resolution {
	res, ok := r.Resolve(ctx, clientID)
	if ok {
		return res
	}
	res.BackendID = FamilyFallback(clientID)
	res.Strategy = StrategyFallback
	res.Score = 0
	if res.Normalized == "" {
		res.Normalized = Normalize(clientID)
	}
	return res
}
