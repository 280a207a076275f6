package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"enhancer/internal/bootstrap"
	"enhancer/internal/infra"
	"enhancer/internal/realtime"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("process", "relay").Logger()

	if cfg.StoreDriver == infra.StoreDriverMemory {
		logger.Fatal().Msg("relay: the memory store is per process; run the API with it instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: db connection failed")
	}
	defer stores.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: redis connection failed")
	}
	publisher := realtime.Discard
	if rdb != nil {
		defer rdb.Close()
		publisher = realtime.NewRedisBridge(rdb, nil, logger)
	} else {
		logger.Warn().Msg("relay: REDIS_URL not set, dispatch failures reach clients on their next read only")
	}

	relay := bootstrap.NewRelay(cfg, stores, bootstrap.NewEngine(cfg), publisher, logger)
	if err := bootstrap.RunRelay(ctx, cfg, stores, relay, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay: stopped with error")
	}
	logger.Info().Msg("relay: stopped")
}
