package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"enhancer/internal/bootstrap"
	"enhancer/internal/http/handlers"
	httpapi "enhancer/internal/http/httpapi"
	"enhancer/internal/infra"
	"enhancer/internal/jobs"
	"enhancer/internal/realtime"
	"enhancer/internal/webhook"
)

func main() {
	// Optional .env
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer stores.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	streams := realtime.NewManager(cfg.SSEKeepalive, logger)
	var publisher realtime.Publisher = streams
	var nonces webhook.NonceStore = stores.Nonces

	g, gctx := errgroup.WithContext(ctx)

	if rdb != nil {
		defer rdb.Close()
		bridge := realtime.NewRedisBridge(rdb, streams, logger)
		publisher = bridge
		nonces = webhook.NewRedisNonceStore(rdb, cfg.WebhookTolerance)
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("sse bridge stopped; local streams are fed directly")
			}
			return nil
		})
	}

	if rdb == nil {
		janitor := webhook.NewNonceJanitor(stores.Nonces, cfg.WebhookTolerance, cfg.NoncePruneEvery, logger)
		g.Go(func() error {
			if err := janitor.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	eng := bootstrap.NewEngine(cfg)
	svc := jobs.NewService(stores.Jobs, stores.Variants, eng, publisher, jobs.Config{
		Provider:        cfg.EngineProvider,
		Model:           cfg.EngineModel,
		JobCost:         cfg.JobCost,
		MaxDimension:    cfg.MaxImageDimension,
		MaxMasks:        cfg.MaxMasks,
		CallbackBaseURL: cfg.PublicBaseURL,
	}, logger)
	verifier := webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	proc := webhook.NewProcessor(stores.Jobs, nonces, verifier, publisher, logger)

	app := handlers.NewApp(svc, proc, streams, logger)
	app.Ping = stores.Ping
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
		Logger:          logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	// An in-memory store is only reachable from this process.
	if cfg.RelayEmbedded || stores.Memory != nil {
		relay := bootstrap.NewRelay(cfg, stores, eng, publisher, logger)
		g.Go(func() error { return bootstrap.RunRelay(gctx, cfg, stores, relay, logger) })
	}

	g.Go(func() error {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		return server.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		// Open streams would otherwise hold Shutdown until its deadline.
		streams.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}
	logger.Info().Msg("server stopped")
}
