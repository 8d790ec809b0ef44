// Command pager keeps a paginated collection of an upstream JSON API in
// memory and serves it over HTTP. Page loads that fail because the network
// went away wait for connectivity and continue instead of failing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/resilient-pager/internal/config"
	"github.com/Sternrassler/resilient-pager/pkg/client"
	"github.com/Sternrassler/resilient-pager/pkg/connectivity"
	"github.com/Sternrassler/resilient-pager/pkg/logging"
	"github.com/Sternrassler/resilient-pager/pkg/pagination"
	"github.com/Sternrassler/resilient-pager/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Pager failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	clientCfg := client.DefaultConfig(cfg.APIBaseURL, cfg.UserAgent)
	clientCfg.PageSize = cfg.PageSize
	clientCfg.Timeout = cfg.RequestTimeout
	clientCfg.RateLimit = cfg.RateLimit
	clientCfg.Redis = redisClient
	api, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer api.Close()

	monitorCfg := connectivity.DefaultConfig()
	monitorCfg.Interval = cfg.ProbeInterval
	monitor := connectivity.NewMonitor(connectivity.DialProber{
		Address: cfg.ProbeAddress,
		Dialer:  net.Dialer{Timeout: monitorCfg.ProbeTimeout},
	}, monitorCfg)

	retryCfg := retry.DefaultConfig()
	retryCfg.Timeout = cfg.RetryTimeout
	retryCfg.Source = monitor

	ctrlCfg := pagination.DefaultConfig(cfg.Endpoint)
	ctrlCfg.Retrier = retry.New(retryCfg)
	ctrl, err := pagination.NewController(api.Fetcher(cfg.Endpoint), pagination.MapperFunc[json.RawMessage, Item](mapItems), ctrlCfg)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	srv := &server{
		ctrl:         ctrl,
		connectivity: monitor,
		logger:       logging.NewLogger("http"),
		invalidate: func(ctx context.Context) error {
			return api.InvalidateCache(ctx, cfg.Endpoint)
		},
	}
	if redisClient != nil {
		srv.ready = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("api", cfg.APIBaseURL).
			Str("endpoint", cfg.Endpoint).
			Msg("Starting pager server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		if cfg.PreloadAll {
			err = ctrl.LoadAll(gctx)
		} else {
			err = ctrl.LoadNextPage(gctx)
		}
		// A failed preload is not fatal; clients can retry through /next.
		if err != nil && gctx.Err() == nil {
			logger.Error().Err(err).Msg("Initial load failed")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("Shutting down pager server")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
