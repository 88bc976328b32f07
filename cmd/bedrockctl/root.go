package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/spf13/cobra"

	"github.com/nulpointcorp/bedrock-gateway/internal/config"
	bedrockprov "github.com/nulpointcorp/bedrock-gateway/internal/providers/bedrock"
)

const defaultGateway = "http://localhost:8080"

// options are the persistent flags shared by every subcommand.
type options struct {
	gateway string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "bedrockctl",
		Short:         "Bedrock gateway operator CLI",
		Long:          `Inspect the Bedrock model catalog, preview model resolution and send test requests through the gateway.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	gw := os.Getenv("BEDROCK_GATEWAY_URL")
	if gw == "" {
		gw = defaultGateway
	}
	root.PersistentFlags().StringVarP(&opts.gateway, "gateway", "g", gw, "gateway base URL (env BEDROCK_GATEWAY_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 90*time.Second, "request timeout")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newModelsCmd(opts),
		newResolveCmd(opts),
		newChatCmd(opts),
		newEmbedCmd(opts),
	)
	return root
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *options) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, o.timeout)
}

// openAIClient points the OpenAI SDK at the gateway's /v1 routes. The gateway
// signs with its own AWS credentials, so the key is a placeholder.
func (o *options) openAIClient() openai.Client {
	return openai.NewClient(
		option.WithBaseURL(strings.TrimRight(o.gateway, "/")+"/v1/"),
		option.WithAPIKey("bedrock-gateway"),
		option.WithRequestTimeout(o.timeout),
		option.WithMaxRetries(0),
	)
}

// getJSON fetches a gateway path and returns the raw body.
func (o *options) getJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := strings.TrimRight(o.gateway, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// newBackend builds a Bedrock client from the same environment the gateway
// reads.
func newBackend() (*config.Config, *bedrockprov.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	b := cfg.Bedrock
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
	return cfg, bedrockprov.New(b.AccessKey, b.SecretKey, b.Region, opts...), nil
}

var (
	bold  = color.New(color.Bold)
	faint = color.New(color.Faint)
	green = color.New(color.FgGreen)
	warn  = color.New(color.FgYellow)
)
