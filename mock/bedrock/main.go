// Command bedrock serves a fake Bedrock runtime and control plane on one
// listener and a fake binding sidecar on another, so the gateway can be run
// end to end without AWS credentials.
//
//	go run ./mock/bedrock
//
//	BEDROCK_RUNTIME_URL=http://localhost:19005
//	BEDROCK_CONTROL_URL=http://localhost:19005
//	DAPR_HOST=http://localhost:19006
//
// Settings are read from the environment:
//
//	PORT_BEDROCK      bedrock listener port (19005)
//	PORT_SIDECAR      sidecar listener port (19006)
//	MOCK_LATENCY_MS   delay added before every reply (0)
//	MOCK_ERROR_RATE   share of invocations answered with a 500, 0..1 (0)
//	MOCK_WORDS        words per generated completion (10)
//	MOCK_EMBED_DIM    embedding length (8)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// Config shapes every mock reply.
type Config struct {
	Latency   time.Duration
	ErrorRate float64
	Words     int
	EmbedDim  int
}

func loadConfig() (Config, map[string]string) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT_BEDROCK", "19005")
	v.SetDefault("PORT_SIDECAR", "19006")
	v.SetDefault("MOCK_WORDS", 10)
	v.SetDefault("MOCK_EMBED_DIM", 8)

	cfg := Config{
		Latency:   time.Duration(max(v.GetInt("MOCK_LATENCY_MS"), 0)) * time.Millisecond,
		ErrorRate: min(max(v.GetFloat64("MOCK_ERROR_RATE"), 0), 1),
		Words:     v.GetInt("MOCK_WORDS"),
		EmbedDim:  v.GetInt("MOCK_EMBED_DIM"),
	}
	if cfg.Words <= 0 {
		cfg.Words = 10
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 8
	}
	ports := map[string]string{
		"bedrock": v.GetString("PORT_BEDROCK"),
		"sidecar": v.GetString("PORT_SIDECAR"),
	}
	return cfg, ports
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("service", "bedrock-mock"))
	if err := run(log); err != nil {
		log.Error("mock failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, ports := loadConfig()
	log.Info("starting",
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("words", cfg.Words),
		slog.Int("embed_dim", cfg.EmbedDim),
	)

	f := newFaker(cfg)
	handlers := map[string]http.Handler{
		"bedrock": newBedrockHandler(f),
		"sidecar": newSidecarHandler(f),
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, h := range handlers {
		srv := &http.Server{
			Addr:              net.JoinHostPort("", ports[name]),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		g.Go(func() error {
			log.Info("listening", slog.String("server", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	fmt.Println("READY")
	err := g.Wait()
	log.Info("stopped")
	return err
}
