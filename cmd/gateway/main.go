// Command gateway is the Bedrock protocol-translation server.
//
// It serves POST /chat and POST /embed (plus OpenAI-compatible aliases),
// resolving loosely specified client model names to Bedrock model ids and
// translating each request into an InvokeModel call.
//
// Configuration comes from the environment, a .env file or config.yaml in
// the working directory:
//
//	AWS_ACCESS_KEY_ID=... AWS_SECRET_ACCESS_KEY=... AWS_REGION=us-east-1 ./gateway
//
// Against the local mock (go run ./mock/bedrock), no credentials needed:
//
//	BEDROCK_RUNTIME_URL=http://localhost:19005 \
//	BEDROCK_CONTROL_URL=http://localhost:19005 \
//	DAPR_HOST=http://localhost:19006 ./gateway
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/bedrock-gateway/internal/app"
	"github.com/nulpointcorp/bedrock-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a clean shutdown, 1 on a runtime
// failure, 2 on bad configuration.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := newLogger(os.Stdout, cfg.LogLevel).With(slog.String("service", "bedrock-gateway"))
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}

	// Run closes the app on return.
	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

// newLogger builds the JSON logger shared by every subsystem. Unknown levels
// fall back to INFO; debug adds source locations.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
