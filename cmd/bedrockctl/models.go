package main

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/bedrock-gateway/internal/modelmap"
)

func newModelsCmd(opts *options) *cobra.Command {
	var viaGateway, refresh bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List invokable foundation models",
		Long: `List the on-demand foundation models grouped by family.

By default Bedrock is queried directly using AWS_* and BEDROCK_* environment
variables. With --via-gateway the gateway's cached catalog is shown instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			var ids []string
			if viaGateway {
				q := url.Values{}
				if refresh {
					q.Set("refresh", "true")
				}
				body, err := opts.getJSON(ctx, "/v1/models", q)
				if err != nil {
					return err
				}
				for _, id := range gjson.GetBytes(body, "data.#.id").Array() {
					ids = append(ids, id.String())
				}
			} else {
				_, backend, err := newBackend()
				if err != nil {
					return err
				}
				ids, err = backend.ListModels(ctx)
				if err != nil {
					return err
				}
			}

			printModels(cmd, ids)
			return nil
		},
	}

	cmd.Flags().BoolVar(&viaGateway, "via-gateway", false, "read the gateway's catalog instead of Bedrock")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "with --via-gateway, force a catalog refresh")
	return cmd
}

func printModels(cmd *cobra.Command, ids []string) {
	w := cmd.OutOrStdout()
	if len(ids) == 0 {
		warn.Fprintln(w, "no models available")
		return
	}

	byFamily := map[modelmap.Family][]string{}
	for _, id := range ids {
		f := modelmap.FamilyOf(id)
		byFamily[f] = append(byFamily[f], id)
	}
	families := make([]modelmap.Family, 0, len(byFamily))
	for f := range byFamily {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	for _, f := range families {
		bold.Fprintf(w, "%s\n", f)
		sort.Strings(byFamily[f])
		for _, id := range byFamily[f] {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	faint.Fprintf(w, "%d models\n", len(ids))
}
