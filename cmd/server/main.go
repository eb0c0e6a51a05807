package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/npezzotti/gochat-hub/internal/api"
	"github.com/npezzotti/gochat-hub/internal/authz"
	"github.com/npezzotti/gochat-hub/internal/backplane"
	"github.com/npezzotti/gochat-hub/internal/config"
	"github.com/npezzotti/gochat-hub/internal/database"
	"github.com/npezzotti/gochat-hub/internal/logging"
	"github.com/npezzotti/gochat-hub/internal/presence"
	"github.com/npezzotti/gochat-hub/internal/ratelimit"
	"github.com/npezzotti/gochat-hub/internal/sanitize"
	"github.com/npezzotti/gochat-hub/internal/server"
	"github.com/npezzotti/gochat-hub/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		InstanceID: cfg.Server.InstanceID,
	})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}

	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	repo, err := database.NewPgChatRepository(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	tracker := presence.NewTracker(
		presence.NewRedisStore(rdb, presence.RedisConfig{Channel: cfg.Redis.PresenceChannel}, logger.With().Str("component", "presence").Logger()),
		presence.Options{
			RetryBase: cfg.Presence.RetryBase,
			RetryMax:  cfg.Presence.RetryMax,
			QueueSize: cfg.Presence.QueueSize,
			OpTimeout: cfg.Hub.OpTimeout,
		},
		logger.With().Str("component", "presence").Logger(),
	)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterGaugeFunc(stats.PresencePendingOps, func() int64 { return int64(tracker.Pending()) })

	gate := authz.NewGate(repo)

	hub := server.NewHub(logger.With().Str("component", "hub").Logger(), server.Config{
		InstanceID:     cfg.Server.InstanceID,
		SendQueueSize:  cfg.Hub.SendQueueSize,
		MaxMessageSize: cfg.Hub.MaxMessageSize,
		OpTimeout:      cfg.Hub.OpTimeout,
		PublishRetries: cfg.Hub.PublishRetries,
	}, server.Dependencies{
		Tracker:   tracker,
		Gate:      gate,
		Repo:      repo,
		Sanitizer: sanitize.New(cfg.Hub.MaxContentLength),
		Limiter: ratelimit.NewSlidingWindow(rdb, ratelimit.Config{
			Limit:  cfg.RateLimit.ReadLimit,
			Window: cfg.RateLimit.ReadWindow,
		}, logger),
		Backplane: backplane.NewRedis(rdb, cfg.Redis.BroadcastChannel, logger.With().Str("component", "backplane").Logger()),
		Stats:     statsUpdater,
	})

	app := api.NewGoChatApp(mux, logger, hub, repo, gate, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the tracker outlives ctx so Leaves issued during shutdown are replayed
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	defer stopTracker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tracker.Run(trackerCtx)
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		if err := app.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := app.Shutdown(shutdownCtx)
		hub.Shutdown(shutdownCtx)
		stopTracker()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Run has returned, so whatever it could not replay is flushed here
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := tracker.Flush(flushCtx); err != nil {
		logger.Error().Err(err).Msg("presence operations lost on shutdown")
	}
	return nil
}
