package dispatch

import (
	"context"
	"time"

	"github.com/BearBump/RouteBox/internal/models"
)

// MarkedStop is one server-acknowledged stop in a route status report.
type MarkedStop struct {
	Session       string `json:"session"`
	PlannedStopID string `json:"planned_stop_id,omitempty"`
	StopOrder     int    `json:"stop_order,omitempty"`
	DeliveryName  string `json:"delivery_name,omitempty"`
}

// RouteStatus is the canonical server-side view used for reconciliation.
type RouteStatus struct {
	RouteID           string       `json:"route_id"`
	JourneyStarted    bool         `json:"is_journey_started"`
	MarkedStops       []MarkedStop `json:"marked_stops"`
	CompletedSessions []string     `json:"completed_sessions"`
}

type TrafficReport struct {
	HeavyTrafficDetected bool          `json:"heavy_traffic_detected"`
	Reoptimized          bool          `json:"reoptimized"`
	UpdatedRouteOrder    []models.Stop `json:"updated_route_order,omitempty"`
	Message              string        `json:"reoptimization_result,omitempty"`
}

type ReoptimizeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client — внешний сервис маршрутизации. Для агента это чёрный ящик:
// форматы и алгоритмы на его стороне, здесь только контракт.
type Client interface {
	// StartJourney begins a journey and returns the server's route id,
	// which may differ from the requested one after reoptimization.
	StartJourney(ctx context.Context, driverID, routeID string) (string, error)
	MarkStopReached(ctx context.Context, req models.StopCompletionRequest) error
	UpdateGeoLocation(ctx context.Context, req models.LocationUpdateRequest) error
	CompleteSession(ctx context.Context, routeID, session string) error
	RouteStatus(ctx context.Context, routeID string) (RouteStatus, error)
	CheckTraffic(ctx context.Context, routeID string, cur *models.Position, checkAllSegments bool) (TrafficReport, error)
	ReoptimizeRoute(ctx context.Context, routeID string, cur *models.Position) (ReoptimizeResult, error)
	// FetchRoutes returns the driver's sessions for the given day; feeds
	// the offline snapshot cache.
	FetchRoutes(ctx context.Context, driverID string, date time.Time) (models.RouteSnapshot, error)
}
