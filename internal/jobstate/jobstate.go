// Package jobstate holds the pure transition rules for enhancement jobs.
package jobstate

import (
	"time"

	"enhancer/internal/domain"
)

// pipeline is the ordered forward sequence of a successful job.
var pipeline = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusDownloading,
	domain.JobStatusPreprocessing,
	domain.JobStatusRendering,
	domain.JobStatusPostprocessing,
	domain.JobStatusUploading,
	domain.JobStatusCompleted,
}

var stagePercent = map[domain.JobStatus]int{
	domain.JobStatusQueued:         0,
	domain.JobStatusDownloading:    10,
	domain.JobStatusPreprocessing:  25,
	domain.JobStatusRendering:      50,
	domain.JobStatusPostprocessing: 75,
	domain.JobStatusUploading:      90,
	domain.JobStatusCompleted:      100,
}

const defaultFailureMessage = "enhancement failed"

// Rank orders statuses; failed and canceled share the completed rank.
// Unknown statuses rank -1.
func Rank(s domain.JobStatus) int {
	switch s {
	case domain.JobStatusFailed, domain.JobStatusCanceled:
		return len(pipeline) - 1
	}
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func Valid(s domain.JobStatus) bool {
	return Rank(s) >= 0
}

// DefaultPercent returns the canonical progress for a pipeline stage.
func DefaultPercent(s domain.JobStatus) int {
	return stagePercent[s]
}

// Path returns the ordered statuses to apply to move from current to target.
// It is empty when current is terminal, when target is unknown, or when
// target would not move the job forward. A pipeline target skipped ahead to
// expands into every intermediate stage.
func Path(current, target domain.JobStatus) []domain.JobStatus {
	if current.Terminal() || !Valid(current) || !Valid(target) || current == target {
		return nil
	}
	if target == domain.JobStatusFailed || target == domain.JobStatusCanceled {
		return []domain.JobStatus{target}
	}
	from, to := Rank(current), Rank(target)
	if to <= from {
		return nil
	}
	return append([]domain.JobStatus(nil), pipeline[from+1:to+1]...)
}

// Update is an externally reported change.
type Update struct {
	Target       domain.JobStatus
	Progress     *int
	Stage        string
	ErrorMessage string
	ErrorCode    string
}

// Apply mutates job according to u and returns the changes applied, in
// order. A progress-only change on the current stage is reported with
// From == To. Terminal jobs are never mutated.
func Apply(job *domain.EnhancementJob, u Update, now time.Time) []domain.StatusChange {
	if job == nil || job.Status.Terminal() {
		return nil
	}
	path := Path(job.Status, u.Target)
	if len(path) == 0 {
		return applyProgress(job, u, now)
	}

	changes := make([]domain.StatusChange, 0, len(path))
	for i, next := range path {
		last := i == len(path)-1
		from := job.Status
		job.Status = next
		switch next {
		case domain.JobStatusCompleted:
			job.ProgressPercent = 100
			job.ProgressStage = string(next)
			job.CompletedAt = &now
			job.ErrorMessage = nil
			job.ErrorCode = nil
		case domain.JobStatusFailed:
			msg := u.ErrorMessage
			if msg == "" {
				msg = defaultFailureMessage
			}
			job.ErrorMessage = &msg
			if u.ErrorCode != "" {
				code := u.ErrorCode
				job.ErrorCode = &code
			}
			job.ProgressStage = string(next)
		case domain.JobStatusCanceled:
			job.CanceledAt = &now
			job.ProgressStage = string(next)
		default:
			percent := max(job.ProgressPercent, DefaultPercent(next))
			stage := string(next)
			if last {
				if u.Progress != nil {
					percent = max(percent, min(clampPercent(*u.Progress), 99))
				}
				if u.Stage != "" {
					stage = u.Stage
				}
			}
			job.ProgressPercent = percent
			job.ProgressStage = stage
		}
		job.UpdatedAt = now
		changes = append(changes, domain.StatusChange{
			JobID:           job.ID,
			From:            from,
			To:              next,
			ProgressPercent: job.ProgressPercent,
			CreatedAt:       now,
		})
	}
	return changes
}

func applyProgress(job *domain.EnhancementJob, u Update, now time.Time) []domain.StatusChange {
	if u.Progress == nil || u.Target != job.Status {
		return nil
	}
	// Non-terminal stages never claim 100; only completion does.
	percent := min(clampPercent(*u.Progress), 99)
	if percent <= job.ProgressPercent {
		return nil
	}
	job.ProgressPercent = percent
	if u.Stage != "" {
		job.ProgressStage = u.Stage
	}
	job.UpdatedAt = now
	return []domain.StatusChange{{
		JobID:           job.ID,
		From:            job.Status,
		To:              job.Status,
		ProgressPercent: percent,
		CreatedAt:       now,
	}}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
