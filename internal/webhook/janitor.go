package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// NoncePruner drops nonces received before a cutoff.
type NoncePruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// NonceJanitor deletes stored nonces once the timestamp check alone would
// reject their replay. Redis-backed nonces expire on their own and need none.
type NonceJanitor struct {
	nonces   NoncePruner
	maxAge   time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewNonceJanitor(nonces NoncePruner, tolerance, interval time.Duration, logger zerolog.Logger) *NonceJanitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &NonceJanitor{
		nonces:   nonces,
		maxAge:   2 * tolerance,
		interval: interval,
		logger:   logger.With().Str("component", "nonce_janitor").Logger(),
		now:      time.Now,
	}
}

func (j *NonceJanitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.nonces.Prune(ctx, j.now().Add(-j.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Debug().Int64("pruned", n).Msg("nonce janitor: pruned")
	}
	return n, nil
}

func (j *NonceJanitor) Run(ctx context.Context) error {
	j.logger.Info().Dur("interval", j.interval).Dur("max_age", j.maxAge).Msg("nonce janitor: started")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.logger.Error().Err(err).Msg("nonce janitor: sweep failed")
		}
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("nonce janitor: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
