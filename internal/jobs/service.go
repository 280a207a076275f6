// Package jobs orchestrates enhancement jobs: creation with idempotency and
// cache reuse, reads, and single or bulk lifecycle operations.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"enhancer/internal/cachekey"
	"enhancer/internal/domain"
	"enhancer/internal/jobstate"
	"enhancer/internal/realtime"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	MaxBulkItems     = 100

	engineCancelTimeout = 5 * time.Second
)

// Canceler removes a job from the engine's queue.
type Canceler interface {
	Cancel(ctx context.Context, ref string) error
}

type Config struct {
	Provider        string
	Model           string
	JobCost         int
	MaxDimension    int
	MaxMasks        int
	CallbackBaseURL string
}

type Service struct {
	jobs      domain.JobRepository
	variants  domain.VariantRepository
	engine    Canceler
	publisher realtime.Publisher
	validate  *validator.Validate
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(jobs domain.JobRepository, variants domain.VariantRepository, engine Canceler, publisher realtime.Publisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 8192
	}
	if cfg.MaxMasks <= 0 {
		cfg.MaxMasks = 64
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &Service{
		jobs:      jobs,
		variants:  variants,
		engine:    engine,
		publisher: publisher,
		validate:  newValidator(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "jobs").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateInput is a caller's enhancement request.
type CreateInput struct {
	TenantID       string          `json:"tenantId"`
	PhotoID        string          `json:"photoId" validate:"required"`
	ImageURL       string          `json:"imageUrl" validate:"required,url"`
	InputHash      string          `json:"inputHash" validate:"max=128"`
	Masks          []domain.Mask   `json:"masks" validate:"dive"`
	Options        json.RawMessage `json:"options"`
	Calibration    json.RawMessage `json:"calibration"`
	Width          int             `json:"width" validate:"required,gt=0"`
	Height         int             `json:"height" validate:"required,gt=0"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=200"`
}

// CreateResult is either a queued job, a replay of an earlier request
// with the same idempotency key, or a cache hit carrying finished variants.
type CreateResult struct {
	JobID    string
	Status   domain.JobStatus
	Cached   bool
	Replayed bool
	Variants []domain.Variant
}

// Create validates in and enqueues a job unless an earlier request or a
// completed equivalent job already answers it.
func (s *Service) Create(ctx context.Context, caller domain.Caller, in CreateInput) (CreateResult, error) {
	tenantID, err := resolveTenant(caller, in.TenantID)
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.validateCreate(in); err != nil {
		return CreateResult{}, err
	}
	log := s.logger.With().Str("tenant_id", tenantID).Str("owner_id", caller.UserID).Logger()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		existing, err := s.jobs.FindByIdempotencyKey(ctx, tenantID, caller.UserID, key)
		switch {
		case err == nil:
			log.Info().Str("job_id", existing.ID).Msg("jobs: idempotent replay")
			return CreateResult{JobID: existing.ID, Status: existing.Status, Replayed: true}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return CreateResult{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	inputHash := strings.TrimSpace(in.InputHash)
	if inputHash == "" {
		inputHash = deriveInputHash(in.PhotoID, in.ImageURL)
	}
	cacheKey, err := cachekey.Generate(cachekey.Input{
		InputHash:   inputHash,
		Masks:       in.Masks,
		Calibration: in.Calibration,
		Options:     in.Options,
		Provider:    s.cfg.Provider,
		Model:       s.cfg.Model,
	})
	if err != nil {
		return CreateResult{}, domain.NewValidationError("options", "%v", err)
	}

	if hit, variants, ok := s.cacheHit(ctx, log, tenantID, cacheKey); ok {
		return CreateResult{JobID: hit.ID, Status: hit.Status, Cached: true, Variants: variants}, nil
	}

	job := &domain.EnhancementJob{
		ID:            s.newID(),
		TenantID:      tenantID,
		OwnerID:       caller.UserID,
		PhotoID:       in.PhotoID,
		ImageURL:      in.ImageURL,
		InputHash:     inputHash,
		Status:        domain.JobStatusQueued,
		ProgressStage: string(domain.JobStatusQueued),
		Options:       in.Options,
		Calibration:   in.Calibration,
		Masks:         in.Masks,
		Width:         in.Width,
		Height:        in.Height,
		Provider:      s.cfg.Provider,
		Model:         s.cfg.Model,
		CacheKey:      cacheKey,
		ReservedCost:  s.cfg.JobCost,
	}
	if key != "" {
		job.IdempotencyKey = &key
	}
	if err := s.enqueue(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) && key != "" {
			// A concurrent request with the same key won the insert.
			if existing, ferr := s.jobs.FindByIdempotencyKey(ctx, tenantID, caller.UserID, key); ferr == nil {
				return CreateResult{JobID: existing.ID, Status: existing.Status, Replayed: true}, nil
			}
		}
		return CreateResult{}, err
	}
	log.Info().Str("job_id", job.ID).Msg("jobs: queued")
	return CreateResult{JobID: job.ID, Status: job.Status}, nil
}

// cacheHit finds a completed job with the same key. A completed job with
// no stored variants cannot answer a request and is skipped.
func (s *Service) cacheHit(ctx context.Context, log zerolog.Logger, tenantID, cacheKey string) (*domain.EnhancementJob, []domain.Variant, bool) {
	hit, err := s.jobs.FindCompletedByCacheKey(ctx, tenantID, cacheKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("jobs: cache lookup failed")
		}
		return nil, nil, false
	}
	variants, err := s.variants.ListByJobID(ctx, hit.ID)
	if err != nil || len(variants) == 0 {
		log.Warn().Err(err).Str("job_id", hit.ID).Msg("jobs: cached job has no variants")
		return nil, nil, false
	}
	log.Info().Str("job_id", hit.ID).Msg("jobs: cache hit")
	return hit, variants, true
}

// enqueue stores job together with its reservation and dispatch event.
func (s *Service) enqueue(ctx context.Context, job *domain.EnhancementJob) error {
	now := s.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	payload, err := json.Marshal(domain.DispatchRequest{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		ImageURL:    job.ImageURL,
		Width:       job.Width,
		Height:      job.Height,
		Masks:       job.Masks,
		Options:     job.Options,
		Calibration: job.Calibration,
		Provider:    job.Provider,
		Model:       job.Model,
		CallbackURL: s.callbackURL(job.ID),
	})
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	event := &domain.OutboxEvent{
		ID:            s.newID(),
		JobID:         job.ID,
		EventType:     domain.OutboxEventDispatch,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return s.jobs.Create(ctx, job, event)
}

func (s *Service) callbackURL(jobID string) string {
	return s.cfg.CallbackBaseURL + "/enhancement-jobs/" + jobID + "/callback"
}

// JobDetail is a job with its variants.
type JobDetail struct {
	Job      *domain.EnhancementJob
	Variants []domain.Variant
}

// Get returns one of the caller's jobs, or a completed job of the caller's
// tenant, which is what a cache hit hands out.
func (s *Service) Get(ctx context.Context, caller domain.Caller, jobID string) (JobDetail, error) {
	job, err := s.readable(ctx, caller, jobID)
	if err != nil {
		return JobDetail{}, err
	}
	variants, err := s.variants.ListByJobID(ctx, job.ID)
	if err != nil {
		return JobDetail{}, fmt.Errorf("list variants: %w", err)
	}
	return JobDetail{Job: job, Variants: variants}, nil
}

// List returns the caller's newest jobs; completed ones carry variants.
func (s *Service) List(ctx context.Context, caller domain.Caller, limit int) ([]JobDetail, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	rows, err := s.jobs.ListByOwner(ctx, caller.TenantID, caller.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var completed []string
	for _, j := range rows {
		if j.Status == domain.JobStatusCompleted {
			completed = append(completed, j.ID)
		}
	}
	byJob := map[string][]domain.Variant{}
	if len(completed) > 0 {
		if byJob, err = s.variants.ListByJobIDs(ctx, completed); err != nil {
			return nil, fmt.Errorf("list variants: %w", err)
		}
	}
	out := make([]JobDetail, 0, len(rows))
	for i := range rows {
		out = append(out, JobDetail{Job: &rows[i], Variants: byJob[rows[i].ID]})
	}
	return out, nil
}

// Snapshot renders the job's current state for streaming.
func (s *Service) Snapshot(ctx context.Context, caller domain.Caller, jobID string) (realtime.Snapshot, error) {
	detail, err := s.Get(ctx, caller, jobID)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	return realtime.NewSnapshot(detail.Job, detail.Variants, s.now()), nil
}

// Cancel stops a non-terminal job, refunds it and tells the engine.
func (s *Service) Cancel(ctx context.Context, caller domain.Caller, jobID string) (*domain.EnhancementJob, error) {
	now := s.now()
	job, _, err := s.jobs.Transition(ctx, jobID, func(job *domain.EnhancementJob, _ domain.VariantWriter) ([]domain.StatusChange, error) {
		if !job.OwnedBy(caller) {
			return nil, domain.ErrForbidden
		}
		if job.Status.Terminal() {
			return nil, domain.ErrConflict
		}
		return jobstate.Apply(job, jobstate.Update{Target: domain.JobStatusCanceled}, now), nil
	})
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("job_id", job.ID).Logger()
	log.Info().Msg("jobs: canceled")

	s.refund(ctx, log, job.ID)
	s.cancelAtEngine(ctx, log, job)
	s.publish(ctx, log, job)
	return job, nil
}

// Retry creates a new job from a failed one. The failed row is untouched.
func (s *Service) Retry(ctx context.Context, caller domain.Caller, jobID string) (*domain.EnhancementJob, error) {
	orig, err := s.owned(ctx, caller, jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != domain.JobStatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried", domain.ErrConflict)
	}
	retryOf := orig.ID
	job := &domain.EnhancementJob{
		ID:            s.newID(),
		TenantID:      orig.TenantID,
		OwnerID:       orig.OwnerID,
		PhotoID:       orig.PhotoID,
		ImageURL:      orig.ImageURL,
		InputHash:     orig.InputHash,
		Status:        domain.JobStatusQueued,
		ProgressStage: string(domain.JobStatusQueued),
		Options:       orig.Options,
		Calibration:   orig.Calibration,
		Masks:         orig.Masks,
		Width:         orig.Width,
		Height:        orig.Height,
		Provider:      orig.Provider,
		Model:         orig.Model,
		CacheKey:      orig.CacheKey,
		RetryOf:       &retryOf,
		ReservedCost:  s.cfg.JobCost,
	}
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", job.ID).Str("retry_of", orig.ID).Msg("jobs: retried")
	return job, nil
}

// Delete removes one of the caller's jobs regardless of status.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, jobID string) error {
	job, err := s.owned(ctx, caller, jobID)
	if err != nil {
		return err
	}
	if err := s.jobs.Delete(ctx, job.ID); err != nil {
		return err
	}
	log := s.logger.With().Str("job_id", job.ID).Logger()
	if !job.Status.Terminal() {
		s.cancelAtEngine(ctx, log, job)
	}
	log.Info().Str("status", string(job.Status)).Msg("jobs: deleted")
	return nil
}

// cancelAtEngine asks the engine to drop job. Until a dispatch is acked the
// engine only knows the job by its id.
func (s *Service) cancelAtEngine(ctx context.Context, log zerolog.Logger, job *domain.EnhancementJob) {
	if s.engine == nil {
		return
	}
	ref := job.ID
	if job.ProviderJobID != nil && *job.ProviderJobID != "" {
		ref = *job.ProviderJobID
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engineCancelTimeout)
	defer cancel()
	if err := s.engine.Cancel(cctx, ref); err != nil {
		log.Warn().Err(err).Str("engine_ref", ref).Msg("jobs: engine cancel failed")
	}
}

func (s *Service) readable(ctx context.Context, caller domain.Caller, jobID string) (*domain.EnhancementJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnedBy(caller) {
		return job, nil
	}
	if job.Status == domain.JobStatusCompleted && job.TenantID == caller.TenantID && caller.TenantID != "" {
		return job, nil
	}
	return nil, domain.ErrForbidden
}

func (s *Service) owned(ctx context.Context, caller domain.Caller, jobID string) (*domain.EnhancementJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(caller) {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

func (s *Service) refund(ctx context.Context, log zerolog.Logger, jobID string) {
	refunded, err := s.jobs.RefundReservation(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("jobs: refund failed")
		return
	}
	if refunded {
		log.Info().Msg("jobs: reservation refunded")
	}
}

func (s *Service) publish(ctx context.Context, log zerolog.Logger, job *domain.EnhancementJob) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, realtime.NewSnapshot(job, nil, s.now())); err != nil {
		log.Warn().Err(err).Msg("jobs: publish snapshot failed")
	}
}

// resolveTenant prefers the authenticated tenant; a body tenant that
// disagrees with it is refused.
func resolveTenant(caller domain.Caller, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	switch {
	case caller.TenantID == "" && requested == "":
		return "", domain.NewValidationError("tenantId", "is required")
	case caller.TenantID == "":
		return requested, nil
	case requested != "" && requested != caller.TenantID:
		return "", domain.ErrForbidden
	}
	return caller.TenantID, nil
}

func deriveInputHash(photoID, imageURL string) string {
	sum := sha256.Sum256([]byte(photoID + "\n" + imageURL))
	return hex.EncodeToString(sum[:])
}
