// Package bootstrap assembles stores, the engine client and the outbox relay
// from configuration for the cmd binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"enhancer/internal/adapter/memory"
	"enhancer/internal/adapter/repo"
	"enhancer/internal/domain"
	"enhancer/internal/engine"
	"enhancer/internal/infra"
	"enhancer/internal/outbox"
	"enhancer/internal/realtime"
)

// Stores holds the repositories for the configured driver.
type Stores struct {
	Jobs     domain.JobRepository
	Variants domain.VariantRepository
	Outbox   domain.OutboxRepository
	Nonces   domain.NonceRepository

	// Exactly one of Pool and Memory is set.
	Pool   *pgxpool.Pool
	Memory *memory.Store
}

// OpenStores connects the configured store, migrating it first when
// AUTO_MIGRATE is set.
func OpenStores(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (*Stores, error) {
	if cfg.StoreDriver == infra.StoreDriverMemory {
		m := memory.New()
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &Stores{Jobs: m.Jobs, Variants: m.Variants, Outbox: m.Outbox, Nonces: m.Nonces, Memory: m}, nil
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := infra.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	runner := infra.NewSQLRunner(pool, logger)
	return &Stores{
		Jobs:     repo.NewJobRepository(runner),
		Variants: repo.NewVariantRepository(runner),
		Outbox:   repo.NewOutboxRepository(runner),
		Nonces:   repo.NewNonceRepository(runner),
		Pool:     pool,
	}, nil
}

func (s *Stores) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func NewEngine(cfg *infra.Config) *engine.Client {
	return engine.NewClient(engine.Options{
		BaseURL: cfg.EngineBaseURL,
		APIKey:  cfg.EngineAPIKey,
		Timeout: cfg.EngineTimeout,
	})
}

func NewRelay(cfg *infra.Config, stores *Stores, dispatcher outbox.Dispatcher, publisher realtime.Publisher, logger zerolog.Logger) *outbox.Relay {
	return outbox.NewRelay(stores.Outbox, stores.Jobs, dispatcher, publisher, outbox.Config{
		Interval:    cfg.RelayInterval,
		BatchSize:   cfg.RelayBatchSize,
		Concurrency: cfg.RelayConcurrency,
		MaxAttempts: cfg.RelayMaxAttempts,
		Lease:       cfg.RelayLease,
	}, logger)
}

// RunRelay runs relay until ctx ends, woken early by new jobs: through
// LISTEN/NOTIFY on Postgres, through the store hook in memory.
func RunRelay(ctx context.Context, cfg *infra.Config, stores *Stores, relay *outbox.Relay, logger zerolog.Logger) error {
	if stores.Memory != nil {
		stores.Memory.OnCreate(func(string) { relay.Wake() })
	}
	if stores.Pool != nil {
		go func() {
			err := outbox.Listen(ctx, cfg.DatabaseURL, relay, logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("relay: listener stopped, polling only")
			}
		}()
	}
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
