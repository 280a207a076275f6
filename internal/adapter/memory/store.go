// Package memory keeps jobs, variants, outbox events and nonces in process.
// It backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"enhancer/internal/domain"
)

type reservation struct {
	amount   int
	refunded bool
}

type nonceRow struct {
	jobID      string
	receivedAt time.Time
}

type outboxRow struct {
	event       domain.OutboxEvent
	lockedUntil time.Time
}

// Store owns the shared state behind the per-aggregate repositories.
type Store struct {
	mu           sync.Mutex
	jobs         map[string]*domain.EnhancementJob
	order        []string
	transitions  map[string][]domain.StatusChange
	reservations map[string]*reservation
	variants     map[string]map[int]domain.Variant
	outbox       []*outboxRow
	nonces       map[string]nonceRow

	now      func() time.Time
	onCreate func(jobID string)

	Jobs     *JobRepository
	Variants *VariantRepository
	Outbox   *OutboxRepository
	Nonces   *NonceRepository
}

// New returns an empty store.
func New() *Store {
	s := &Store{
		jobs:         make(map[string]*domain.EnhancementJob),
		transitions:  make(map[string][]domain.StatusChange),
		reservations: make(map[string]*reservation),
		variants:     make(map[string]map[int]domain.Variant),
		nonces:       make(map[string]nonceRow),
		now:          time.Now,
	}
	s.Jobs = &JobRepository{s: s}
	s.Variants = &VariantRepository{s: s}
	s.Outbox = &OutboxRepository{s: s}
	s.Nonces = &NonceRepository{s: s}
	return s
}

// SetClock overrides the time source used for outbox leases.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnCreate registers a hook fired after a job is committed, standing in for
// the database notification relays listen for.
func (s *Store) OnCreate(fn func(jobID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = fn
}

// Reserved reports whether the job's reservation is still held.
func (s *Store) Reserved(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[jobID]
	return ok && !r.refunded
}

// JobRepository implements domain.JobRepository.
type JobRepository struct{ s *Store }

func (r *JobRepository) Create(_ context.Context, job *domain.EnhancementJob, event *domain.OutboxEvent) error {
	s := r.s
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return domain.ErrDuplicateKey
	}
	if job.IdempotencyKey != nil {
		for _, existing := range s.jobs {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey &&
				existing.TenantID == job.TenantID && existing.OwnerID == job.OwnerID {
				s.mu.Unlock()
				return domain.ErrDuplicateKey
			}
		}
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	s.reservations[job.ID] = &reservation{amount: job.ReservedCost}
	ev := *event
	ev.JobID = job.ID
	ev.Status = domain.OutboxStatusPending
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = job.CreatedAt
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = job.CreatedAt
	}
	ev.UpdatedAt = ev.CreatedAt
	s.outbox = append(s.outbox, &outboxRow{event: ev})
	hook := s.onCreate
	s.mu.Unlock()

	if hook != nil {
		hook(job.ID)
	}
	return nil
}

func (r *JobRepository) GetByID(_ context.Context, jobID string) (*domain.EnhancementJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *JobRepository) FindCompletedByCacheKey(_ context.Context, tenantID, cacheKey string) (*domain.EnhancementJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *domain.EnhancementJob
	for _, job := range r.s.jobs {
		if job.TenantID != tenantID || job.CacheKey != cacheKey || job.Status != domain.JobStatusCompleted {
			continue
		}
		if best == nil || completedAfter(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best.Clone(), nil
}

func completedAfter(a, b *domain.EnhancementJob) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return a.CompletedAt != nil
	}
	return a.CompletedAt.After(*b.CompletedAt)
}

func (r *JobRepository) FindByIdempotencyKey(_ context.Context, tenantID, ownerID, key string) (*domain.EnhancementJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, job := range r.s.jobs {
		if job.TenantID == tenantID && job.OwnerID == ownerID && job.IdempotencyKey != nil && *job.IdempotencyKey == key {
			return job.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *JobRepository) ListByOwner(_ context.Context, tenantID, ownerID string, limit int) ([]domain.EnhancementJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.EnhancementJob
	for i := len(r.s.order) - 1; i >= 0; i-- {
		job, ok := r.s.jobs[r.s.order[i]]
		if !ok || job.TenantID != tenantID || job.OwnerID != ownerID {
			continue
		}
		out = append(out, *job.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Transition runs fn under the store lock, which serializes writers per job.
// Variant writes made through fn are staged and land only if fn succeeds.
func (r *JobRepository) Transition(_ context.Context, jobID string, fn domain.TransitionFunc) (*domain.EnhancementJob, []domain.StatusChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.jobs[jobID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	work := stored.Clone()
	staged := &stagedVariants{jobID: jobID, byRank: make(map[int]domain.Variant)}
	for rank, v := range r.s.variants[jobID] {
		staged.byRank[rank] = v
	}
	changes, err := fn(work, staged)
	if err != nil {
		return nil, nil, err
	}
	if staged.dirty {
		r.s.variants[jobID] = staged.byRank
	}
	if len(changes) > 0 {
		r.s.jobs[jobID] = work.Clone()
		r.s.transitions[jobID] = append(r.s.transitions[jobID], changes...)
	}
	return work, changes, nil
}

// stagedVariants is the variant view handed to a transition.
type stagedVariants struct {
	jobID  string
	byRank map[int]domain.Variant
	dirty  bool
}

func (v *stagedVariants) SaveAll(_ context.Context, variants []domain.Variant) error {
	for _, vr := range variants {
		if putVariant(v.byRank, v.jobID, vr) {
			v.dirty = true
		}
	}
	return nil
}

func (v *stagedVariants) List(context.Context) ([]domain.Variant, error) {
	return sortVariants(v.byRank), nil
}

func (r *JobRepository) ListTransitions(_ context.Context, jobID string) ([]domain.StatusChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.StatusChange(nil), r.s.transitions[jobID]...), nil
}

func (r *JobRepository) Delete(_ context.Context, jobID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.jobs, jobID)
	delete(s.transitions, jobID)
	delete(s.reservations, jobID)
	delete(s.variants, jobID)
	for _, job := range s.jobs {
		if job.RetryOf != nil && *job.RetryOf == jobID {
			job.RetryOf = nil
		}
	}
	kept := s.outbox[:0]
	for _, row := range s.outbox {
		if row.event.JobID != jobID {
			kept = append(kept, row)
		}
	}
	s.outbox = kept
	order := s.order[:0]
	for _, id := range s.order {
		if id != jobID {
			order = append(order, id)
		}
	}
	s.order = order
	return nil
}

func (r *JobRepository) RefundReservation(_ context.Context, jobID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[jobID]
	if !ok || res.refunded {
		return false, nil
	}
	res.refunded = true
	return true, nil
}

// VariantRepository implements domain.VariantRepository.
type VariantRepository struct{ s *Store }

func (r *VariantRepository) SaveAll(_ context.Context, jobID string, variants []domain.Variant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[jobID]; !ok {
		return domain.ErrNotFound
	}
	byRank := r.s.variants[jobID]
	if byRank == nil {
		byRank = make(map[int]domain.Variant)
		r.s.variants[jobID] = byRank
	}
	for _, v := range variants {
		putVariant(byRank, jobID, v)
	}
	return nil
}

// putVariant stores v unless its rank is taken and reports whether it did.
func putVariant(byRank map[int]domain.Variant, jobID string, v domain.Variant) bool {
	if _, exists := byRank[v.Rank]; exists {
		return false
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.JobID = jobID
	byRank[v.Rank] = v
	return true
}

func (r *VariantRepository) ListByJobID(_ context.Context, jobID string) ([]domain.Variant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sortedVariants(jobID), nil
}

func (r *VariantRepository) ListByJobIDs(_ context.Context, jobIDs []string) (map[string][]domain.Variant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string][]domain.Variant, len(jobIDs))
	for _, id := range jobIDs {
		if vs := r.s.sortedVariants(id); len(vs) > 0 {
			out[id] = vs
		}
	}
	return out, nil
}

func (s *Store) sortedVariants(jobID string) []domain.Variant {
	return sortVariants(s.variants[jobID])
}

func sortVariants(byRank map[int]domain.Variant) []domain.Variant {
	out := make([]domain.Variant, 0, len(byRank))
	for _, v := range byRank {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// OutboxRepository implements domain.OutboxRepository.
type OutboxRepository struct{ s *Store }

func (r *OutboxRepository) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	var due []*outboxRow
	for _, row := range r.s.outbox {
		if row.event.Status != domain.OutboxStatusPending || row.event.NextAttemptAt.After(now) || row.lockedUntil.After(now) {
			continue
		}
		due = append(due, row)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].event.NextAttemptAt.Before(due[j].event.NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.OutboxEvent, 0, len(due))
	for _, row := range due {
		row.lockedUntil = now.Add(lease)
		out = append(out, row.event)
	}
	return out, nil
}

func (r *OutboxRepository) ListByJobID(_ context.Context, jobID string) ([]domain.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, row := range r.s.outbox {
		if row.event.JobID == jobID {
			out = append(out, row.event)
		}
	}
	return out, nil
}

func (r *OutboxRepository) find(eventID string) (*outboxRow, error) {
	for _, row := range r.s.outbox {
		if row.event.ID == eventID {
			return row, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *OutboxRepository) MarkDispatched(_ context.Context, eventID, jobID, providerJobID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, err := r.find(eventID)
	if err != nil {
		return err
	}
	now := r.s.now()
	row.event.Status = domain.OutboxStatusDispatched
	row.event.Attempts++
	row.event.DispatchedAt = &now
	row.event.UpdatedAt = now
	row.event.LastError = nil
	row.lockedUntil = time.Time{}
	if job, ok := r.s.jobs[jobID]; ok && providerJobID != "" && job.ProviderJobID == nil {
		ref := providerJobID
		job.ProviderJobID = &ref
	}
	return nil
}

func (r *OutboxRepository) MarkRetry(_ context.Context, eventID string, attempts int, next time.Time, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, err := r.find(eventID)
	if err != nil {
		return err
	}
	row.event.Attempts = attempts
	row.event.NextAttemptAt = next
	row.event.LastError = &lastErr
	row.event.UpdatedAt = r.s.now()
	row.lockedUntil = time.Time{}
	return nil
}

func (r *OutboxRepository) MarkFailed(_ context.Context, eventID string, attempts int, lastErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, err := r.find(eventID)
	if err != nil {
		return err
	}
	row.event.Status = domain.OutboxStatusFailed
	row.event.Attempts = attempts
	row.event.LastError = &lastErr
	row.event.UpdatedAt = r.s.now()
	row.lockedUntil = time.Time{}
	return nil
}

// NonceRepository implements domain.NonceRepository.
type NonceRepository struct{ s *Store }

func (r *NonceRepository) Remember(_ context.Context, nonce, jobID string, receivedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, seen := r.s.nonces[nonce]; seen {
		return false, nil
	}
	r.s.nonces[nonce] = nonceRow{jobID: jobID, receivedAt: receivedAt}
	return true, nil
}

func (r *NonceRepository) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for nonce, row := range r.s.nonces {
		if row.receivedAt.Before(cutoff) {
			delete(r.s.nonces, nonce)
			n++
		}
	}
	return n, nil
}

var (
	_ domain.JobRepository     = (*JobRepository)(nil)
	_ domain.VariantRepository = (*VariantRepository)(nil)
	_ domain.OutboxRepository  = (*OutboxRepository)(nil)
	_ domain.NonceRepository   = (*NonceRepository)(nil)
)
