// Package realtime pushes full job snapshots to subscribed clients over SSE.
package realtime

import (
	"context"
	"time"

	"enhancer/internal/domain"
)

// Snapshot is the complete current view of a job sent on every change.
type Snapshot struct {
	ID        string           `json:"id"`
	Status    domain.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Stage     string           `json:"stage,omitempty"`
	Variants  []VariantView    `json:"variants,omitempty"`
	Error     *ErrorView       `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type VariantView struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Rank int    `json:"rank"`
}

type ErrorView struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Terminal reports whether no further snapshot will follow.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

// NewSnapshot renders job and its variants as of now.
func NewSnapshot(job *domain.EnhancementJob, variants []domain.Variant, now time.Time) Snapshot {
	snap := Snapshot{
		ID:        job.ID,
		Status:    job.Status,
		Progress:  job.ProgressPercent,
		Stage:     job.ProgressStage,
		Timestamp: now.UTC(),
	}
	for _, v := range variants {
		snap.Variants = append(snap.Variants, VariantView{ID: v.ID, URL: v.URL, Rank: v.Rank})
	}
	if job.ErrorMessage != nil {
		snap.Error = &ErrorView{Message: *job.ErrorMessage}
		if job.ErrorCode != nil {
			snap.Error.Code = *job.ErrorCode
		}
	}
	return snap
}

// Publisher delivers snapshots to whoever is subscribed to the job.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Discard drops every snapshot. Processes that serve no streams and have no
// Redis bridge publish into it.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Snapshot) error { return nil }
