package models

import (
	"encoding/json"
	"time"
)

// Queued action types. The drain executor switches on these.
const (
	ActionStartJourney   = "START_JOURNEY"
	ActionMarkStop       = "MARK_STOP"
	ActionUpdateLocation = "UPDATE_LOCATION"
	ActionEndSession     = "END_SESSION"
)

// QueuedAction is a mutating request captured while offline.
// It is removed only after confirmed execution, or demoted to the
// failed set once its retry count hits the ceiling.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

type StartJourneyPayload struct {
	DriverID string `json:"driver_id"`
	RouteID  string `json:"route_id"`
}

type EndSessionPayload struct {
	RouteID string `json:"route_id"`
	Session string `json:"session"`
}
