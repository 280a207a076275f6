// Package webhook authenticates engine callbacks and applies them to jobs.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"enhancer/internal/domain"
	"enhancer/internal/jobstate"
	"enhancer/internal/realtime"
)

// Request is one raw callback delivery.
type Request struct {
	JobID     string
	Body      []byte
	Signature string
	Timestamp string
	Nonce     string
}

// Outcome is reported back to the engine.
type Outcome struct {
	OK       bool             `json:"ok"`
	Ignored  bool             `json:"ignored,omitempty"`
	Status   domain.JobStatus `json:"status,omitempty"`
	Variants int              `json:"variants,omitempty"`
}

type Processor struct {
	jobs      domain.JobRepository
	nonces    NonceStore
	verifier  *Verifier
	publisher realtime.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewProcessor(jobs domain.JobRepository, nonces NonceStore, verifier *Verifier, publisher realtime.Publisher, logger zerolog.Logger) *Processor {
	return &Processor{
		jobs:      jobs,
		nonces:    nonces,
		verifier:  verifier,
		publisher: publisher,
		logger:    logger.With().Str("component", "webhook").Logger(),
		now:       time.Now,
	}
}

// Handle authenticates req and advances the job. Terminal jobs are left
// untouched and reported as ignored.
func (p *Processor) Handle(ctx context.Context, req Request) (Outcome, error) {
	log := p.logger.With().Str("job_id", req.JobID).Logger()

	if req.Nonce != "" {
		fresh, err := p.nonces.Remember(ctx, req.Nonce, req.JobID, p.now())
		if err != nil {
			return Outcome{}, fmt.Errorf("record nonce: %w", err)
		}
		if !fresh {
			log.Warn().Str("reason", "nonce_replayed").Msg("webhook: rejected")
			return Outcome{}, domain.ErrNonceReplayed
		}
	}
	if err := p.verifier.Verify(req.Signature, req.Timestamp, req.Body); err != nil {
		log.Warn().Err(err).Str("reason", "signature").Msg("webhook: rejected")
		return Outcome{}, err
	}

	cb, err := ParseCallback(req.Body)
	if err != nil {
		return Outcome{}, err
	}

	now := p.now()
	var (
		wasTerminal bool
		stored      []domain.Variant
	)
	job, changes, err := p.jobs.Transition(ctx, req.JobID, func(job *domain.EnhancementJob, variants domain.VariantWriter) ([]domain.StatusChange, error) {
		if job.Status.Terminal() {
			wasTerminal = true
			return nil, nil
		}
		applied := jobstate.Apply(job, jobstate.Update{
			Target:       cb.Status,
			Progress:     cb.Progress,
			Stage:        cb.Stage,
			ErrorMessage: cb.ErrorMessage,
			ErrorCode:    cb.ErrorCode,
		}, now)
		// Variants commit with the completed row; no reader sees one without the other.
		if len(applied) > 0 && job.Status == domain.JobStatusCompleted {
			stored = p.persistVariants(ctx, log, variants, job.ID, cb, now)
		}
		return applied, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if wasTerminal {
		log.Info().Str("status", string(job.Status)).Str("reported", string(cb.Status)).Msg("webhook: job already terminal, ignored")
		return Outcome{OK: true, Ignored: true, Status: job.Status}, nil
	}
	if len(changes) == 0 {
		return Outcome{OK: true, Status: job.Status}, nil
	}
	log.Info().
		Str("status", string(job.Status)).
		Int("progress", job.ProgressPercent).
		Int("steps", len(changes)).
		Msg("webhook: job advanced")

	if job.Status == domain.JobStatusFailed {
		if refunded, err := p.jobs.RefundReservation(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("webhook: refund failed")
		} else if refunded {
			log.Info().Msg("webhook: reservation refunded")
		}
	}

	if err := p.publisher.Publish(ctx, realtime.NewSnapshot(job, stored, now)); err != nil {
		log.Warn().Err(err).Msg("webhook: publish snapshot failed")
	}
	return Outcome{OK: true, Status: job.Status, Variants: len(stored)}, nil
}

// persistVariants saves the extracted outputs through the transition and
// reads them back. A short read gets one more save; if that still comes back
// short the job stays completed and the gap is logged as critical.
func (p *Processor) persistVariants(ctx context.Context, log zerolog.Logger, variants domain.VariantWriter, jobID string, cb Callback, now time.Time) []domain.Variant {
	if len(cb.URLs) == 0 {
		log.Error().Bool("critical", true).Msg("webhook: completed without any variant url")
		return nil
	}
	want := make([]domain.Variant, len(cb.URLs))
	for i, u := range cb.URLs {
		want[i] = domain.Variant{JobID: jobID, URL: u, Rank: i, CreatedAt: now}
	}

	if err := variants.SaveAll(ctx, want); err != nil {
		log.Warn().Err(err).Msg("webhook: variant save failed")
	}
	stored, err := variants.List(ctx)
	if err == nil && len(stored) >= len(want) {
		return stored
	}

	log.Warn().Err(err).Int("expected", len(want)).Int("stored", len(stored)).Msg("webhook: variant verify short, re-saving")
	if err := variants.SaveAll(ctx, want); err != nil {
		log.Warn().Err(err).Msg("webhook: variant re-save failed")
	}
	stored, err = variants.List(ctx)
	if err != nil || len(stored) < len(want) {
		log.Error().Err(err).
			Bool("critical", true).
			Int("expected", len(want)).
			Int("stored", len(stored)).
			Str("strategy", cb.Strategy).
			Msg("webhook: completed job is missing variants")
	}
	return stored
}
