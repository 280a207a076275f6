package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus enumerates delivery states of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusDispatched OutboxStatus = "dispatched"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxEventDispatch is the only event type written today.
const OutboxEventDispatch = "enhancement.dispatch"

// OutboxEvent is a durable record of a dispatch awaiting delivery to the engine.
type OutboxEvent struct {
	ID            string
	JobID         string
	EventType     string
	Payload       json.RawMessage
	Status        OutboxStatus
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DispatchedAt  *time.Time
}

// DispatchRequest is the payload snapshot sent to the engine.
type DispatchRequest struct {
	JobID       string          `json:"jobId"`
	TenantID    string          `json:"tenantId"`
	ImageURL    string          `json:"imageUrl"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Masks       []Mask          `json:"masks"`
	Options     json.RawMessage `json:"options,omitempty"`
	Calibration json.RawMessage `json:"calibration,omitempty"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	CallbackURL string          `json:"callbackUrl"`
}
