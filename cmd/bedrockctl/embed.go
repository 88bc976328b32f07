package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func newEmbedCmd(opts *options) *cobra.Command {
	var model string
	var full bool

	cmd := &cobra.Command{
		Use:   "embed TEXT",
		Short: "Request an embedding through the gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			client := opts.openAIClient()
			resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
				Model: openai.EmbeddingModel(model),
				Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(strings.Join(args, " "))},
			})
			if err != nil {
				return err
			}
			if msg := gjson.Get(resp.RawJSON(), "error").String(); msg != "" {
				return errors.New(msg)
			}
			if len(resp.Data) == 0 {
				return errors.New("gateway returned no embedding")
			}

			w := cmd.OutOrStdout()
			vec := resp.Data[0].Embedding
			bold.Fprintf(w, "%d dimensions\n", len(vec))
			n := len(vec)
			if !full && n > 8 {
				n = 8
			}
			for _, v := range vec[:n] {
				fmt.Fprintf(w, "%.6f\n", v)
			}
			if n < len(vec) {
				faint.Fprintf(w, "... %d more (use --full)\n", len(vec)-n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "titan-embed-text", "client model id")
	cmd.Flags().BoolVar(&full, "full", false, "print every component")
	return cmd
}
