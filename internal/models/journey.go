package models

// JourneyState is what the driver has done on today's routes:
// the active route (at most one), marked stops and completed sessions.
// Persisted locally so it survives an agent restart; merged (never
// overwritten) with the server-reported status on reconciliation.
type JourneyState struct {
	DriverID      string `json:"driver_id"`
	ActiveRouteID string `json:"active_route_id,omitempty"`

	// MarkedStops keys are "routeID|session|stopKey", where stopKey is the
	// planned stop id when known and "order:<n>" otherwise.
	MarkedStops map[string]bool `json:"marked_stops"`

	// CompletedSessions keys are normalized lowercase session names.
	// Membership is terminal.
	CompletedSessions map[string]bool `json:"completed_sessions"`
}

func NewJourneyState(driverID string) JourneyState {
	return JourneyState{
		DriverID:          driverID,
		MarkedStops:       map[string]bool{},
		CompletedSessions: map[string]bool{},
	}
}

// Clone returns a deep copy, safe to hand out of a locked section.
func (s JourneyState) Clone() JourneyState {
	out := JourneyState{
		DriverID:          s.DriverID,
		ActiveRouteID:     s.ActiveRouteID,
		MarkedStops:       make(map[string]bool, len(s.MarkedStops)),
		CompletedSessions: make(map[string]bool, len(s.CompletedSessions)),
	}
	for k := range s.MarkedStops {
		out.MarkedStops[k] = true
	}
	for k := range s.CompletedSessions {
		out.CompletedSessions[k] = true
	}
	return out
}
