package messages

import "time"

// Journey event kinds.
const (
	KindJourneyStarted   = "journey_started"
	KindStopMarked       = "stop_marked"
	KindSessionCompleted = "session_completed"
	KindSyncDrained      = "sync_drained"
)

// JourneyEvent — телеметрия агента для аналитики флота.
// Ключ сообщения — driver_id, чтобы события одного водителя были упорядочены.
type JourneyEvent struct {
	Kind     string    `json:"kind"`
	DriverID string    `json:"driver_id"`
	RouteID  string    `json:"route_id,omitempty"`
	Session  string    `json:"session,omitempty"`
	At       time.Time `json:"at"`

	// stop_marked
	StopKey string `json:"stop_key,omitempty"`
	Status  string `json:"status,omitempty"`
	Queued  bool   `json:"queued,omitempty"`

	// sync_drained
	Synced int `json:"synced,omitempty"`
	Failed int `json:"failed,omitempty"`
}
