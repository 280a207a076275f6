package domain

import "time"

// Variant is a generated output image belonging to a completed job.
type Variant struct {
	ID        string
	JobID     string
	URL       string
	Rank      int
	CreatedAt time.Time
}
