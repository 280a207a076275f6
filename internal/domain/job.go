package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates enhancement job lifecycle states.
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusDownloading    JobStatus = "downloading"
	JobStatusPreprocessing  JobStatus = "preprocessing"
	JobStatusRendering      JobStatus = "rendering"
	JobStatusPostprocessing JobStatus = "postprocessing"
	JobStatusUploading      JobStatus = "uploading"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCanceled       JobStatus = "canceled"
)

// Terminal reports whether no further transition is accepted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Point is a vertex of a mask polygon in image pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Mask describes one painted region and the material applied to it.
type Mask struct {
	ID               string         `json:"id" validate:"required"`
	Points           []Point        `json:"points" validate:"required,min=3"`
	MaterialID       string         `json:"materialId" validate:"required"`
	MaterialSettings map[string]any `json:"materialSettings,omitempty"`
}

// EnhancementJob encapsulates the lifecycle of a photo enhancement request.
type EnhancementJob struct {
	ID              string
	TenantID        string
	OwnerID         string
	PhotoID         string
	ImageURL        string
	InputHash       string
	Status          JobStatus
	ProgressPercent int
	ProgressStage   string
	Options         json.RawMessage
	Calibration     json.RawMessage
	Masks           []Mask
	Width           int
	Height          int
	Provider        string
	Model           string
	CacheKey        string
	IdempotencyKey  *string
	ProviderJobID   *string
	RetryOf         *string
	ReservedCost    int
	ErrorMessage    *string
	ErrorCode       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	CanceledAt      *time.Time
}

// OwnedBy reports whether the caller may operate on the job.
func (j *EnhancementJob) OwnedBy(c Caller) bool {
	return j != nil && j.OwnerID == c.UserID && j.TenantID == c.TenantID
}

// Clone returns a deep copy so callers can mutate without aliasing storage.
func (j *EnhancementJob) Clone() *EnhancementJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Options = append(json.RawMessage(nil), j.Options...)
	out.Calibration = append(json.RawMessage(nil), j.Calibration...)
	out.Masks = append([]Mask(nil), j.Masks...)
	return &out
}

// StatusChange records one applied transition, synthesized or not.
type StatusChange struct {
	JobID           string
	From            JobStatus
	To              JobStatus
	ProgressPercent int
	CreatedAt       time.Time
}

// Caller identifies who is acting on jobs.
type Caller struct {
	TenantID string
	UserID   string
}
