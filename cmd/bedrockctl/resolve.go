package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/bedrock-gateway/internal/catalog"
	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
)

// resolved is one row of resolve output, from either source.
type resolved struct {
	model    string
	backend  string
	strategy string
	score    float64
}

func newResolveCmd(opts *options) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "resolve MODEL...",
		Short: "Show which backend model each client id resolves to",
		Long: `Resolve client model ids without invoking anything.

By default the running gateway answers through GET /v1/resolve. With --local
the resolver runs in-process against a fresh Bedrock listing, using the alias
file named by MODEL_ALIASES_FILE.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			var rows []resolved
			if local {
				r, err := localResolver(opts.logger(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				for _, m := range args {
					res := r.ResolveOrFallback(ctx, m)
					rows = append(rows, resolved{m, res.BackendID, string(res.Strategy), res.Score})
				}
			} else {
				for _, m := range args {
					body, err := opts.getJSON(ctx, "/v1/resolve", url.Values{"model": {m}})
					if err != nil {
						return err
					}
					rows = append(rows, resolved{
						model:    m,
						backend:  gjson.GetBytes(body, "backend_model").String(),
						strategy: gjson.GetBytes(body, "strategy").String(),
						score:    gjson.GetBytes(body, "score").Float(),
					})
				}
			}

			printResolved(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "resolve in-process against Bedrock instead of the gateway")
	return cmd
}

func localResolver(log *slog.Logger) (*modelmap.Resolver, error) {
	cfg, backend, err := newBackend()
	if err != nil {
		return nil, err
	}
	var overrides map[string]string
	if path := cfg.Resolver.AliasesFile; path != "" {
		if overrides, err = modelmap.LoadAliasFile(path); err != nil {
			return nil, err
		}
	}
	log.Debug("local resolver", "region", cfg.Bedrock.Region, "aliases", len(overrides))

	cat := catalog.New(backend,
		catalog.WithRefreshTimeout(cfg.Catalog.RefreshTimeout),
		catalog.WithLogger(log),
	)
	return modelmap.NewResolver(cat,
		modelmap.WithAliases(modelmap.NewAliasTable(overrides)),
		modelmap.WithThreshold(cfg.Resolver.MatchThreshold),
		modelmap.WithLogger(log),
	), nil
}

func printResolved(w io.Writer, rows []resolved) {
	for _, r := range rows {
		strategy := green
		if r.strategy == string(modelmap.StrategyFallback) {
			strategy = warn
		}
		fmt.Fprintf(w, "%-28s → %s ", r.model, r.backend)
		strategy.Fprintf(w, "[%s", r.strategy)
		if r.strategy == string(modelmap.StrategyFuzzy) {
			strategy.Fprintf(w, " %.2f", r.score)
		}
		strategy.Fprintln(w, "]")
	}
}
