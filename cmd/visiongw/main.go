package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/adapter"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/analyze"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/fanout"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/imaging"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/policy"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/retry"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/server"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/telemetry"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/tokens"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env files if they exist
	_ = godotenv.Load(".env", "configs/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer store.Close()

	providers := cfg.EnabledProviders()
	bindings, err := adapter.Build(ctx, providers,
		adapter.WithTokens(tokens.NewDefaultRegistry()),
		adapter.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	if len(bindings) == 0 {
		logger.Warn("no providers enabled; analyze requests will return empty result lists")
	}

	executor := retry.New(retry.WithLogger(logger))
	orch := fanout.New(bindings, executor,
		fanout.WithDeadline(cfg.Orchestrator.Deadline),
		fanout.WithLogger(logger),
	)

	svcOpts := []analyze.Option{
		analyze.WithLogger(logger),
		analyze.WithTTL(cfg.Storage.TTL),
	}
	if cfg.Image.FetchURLs {
		svcOpts = append(svcOpts, analyze.WithFetcher(
			imaging.NewFetcher(cfg.Image.MaxBytes, imaging.WithFetchTimeout(cfg.Image.FetchTimeout))))
	}
	svc := analyze.New(orch, policy.NewRouter(cfg.Routing, providers), store, imaging.Limits{
		MaxBytes: cfg.Image.MaxBytes,
		MaxSide:  cfg.Image.MaxSide,
		Quality:  cfg.Image.Quality,
	}, svcOpts...)

	srv := server.New(cfg.Server.Port, logger, svc,
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
		server.WithMaxUpload(cfg.Image.MaxBytes),
	)

	logger.Info("gateway configured",
		slog.String("providers", strings.Join(orch.Providers(), ",")),
		slog.String("storage", cfg.Storage.Type),
		slog.Duration("deadline", cfg.Orchestrator.Deadline),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if purger, ok := store.(storage.Purger); ok && cfg.Storage.PurgeInterval > 0 {
		g.Go(func() error {
			purgeLoop(gctx, purger, cfg.Storage.PurgeInterval, logger)
			return nil
		})
	}

	err = g.Wait()
	// In-flight store writes outlive their requests; let them land before Close.
	svc.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func purgeLoop(ctx context.Context, purger storage.Purger, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired results failed", slog.String("stage", "store"), slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired results", slog.String("stage", "store"), slog.Int64("count", n))
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
