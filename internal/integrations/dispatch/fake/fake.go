package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BearBump/RouteBox/internal/integrations/dispatch"
	"github.com/BearBump/RouteBox/internal/models"
)

// FakeClient — локальная заглушка сервиса маршрутизации для демо-режима
// и тестов. Детерминированный маршрут на три сессии, состояние в памяти.
type FakeClient struct {
	mu        sync.Mutex
	started   map[string]bool
	marked    map[string][]dispatch.MarkedStop
	completed map[string][]string
}

func New() *FakeClient {
	return &FakeClient{
		started:   map[string]bool{},
		marked:    map[string][]dispatch.MarkedStop{},
		completed: map[string][]string{},
	}
}

func (f *FakeClient) StartJourney(ctx context.Context, driverID, routeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[routeID] = true
	return routeID, nil
}

func (f *FakeClient) MarkStopReached(ctx context.Context, req models.StopCompletionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[req.RouteID] = append(f.marked[req.RouteID], dispatch.MarkedStop{
		PlannedStopID: req.PlannedStopID,
		StopOrder:     req.StopOrder,
	})
	return nil
}

func (f *FakeClient) UpdateGeoLocation(ctx context.Context, req models.LocationUpdateRequest) error {
	return nil
}

func (f *FakeClient) CompleteSession(ctx context.Context, routeID, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[routeID] = append(f.completed[routeID], session)
	return nil
}

func (f *FakeClient) RouteStatus(ctx context.Context, routeID string) (dispatch.RouteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dispatch.RouteStatus{
		RouteID:           routeID,
		JourneyStarted:    f.started[routeID],
		MarkedStops:       append([]dispatch.MarkedStop(nil), f.marked[routeID]...),
		CompletedSessions: append([]string(nil), f.completed[routeID]...),
	}, nil
}

func (f *FakeClient) CheckTraffic(ctx context.Context, routeID string, cur *models.Position, checkAllSegments bool) (dispatch.TrafficReport, error) {
	return dispatch.TrafficReport{HeavyTrafficDetected: false, Reoptimized: false}, nil
}

func (f *FakeClient) ReoptimizeRoute(ctx context.Context, routeID string, cur *models.Position) (dispatch.ReoptimizeResult, error) {
	return dispatch.ReoptimizeResult{Success: true, Message: "route unchanged"}, nil
}

func (f *FakeClient) FetchRoutes(ctx context.Context, driverID string, date time.Time) (models.RouteSnapshot, error) {
	sessions := map[string]models.SessionRoute{}
	for i, name := range []string{models.SessionBreakfast, models.SessionLunch, models.SessionDinner} {
		routeID := fmt.Sprintf("fake-%s-%s", date.UTC().Format("20060102"), name)
		stops := make([]models.Stop, 0, 3)
		for n := 1; n <= 3; n++ {
			stops = append(stops, models.Stop{
				DeliveryID:    fmt.Sprintf("d-%d-%d", i, n),
				PlannedStopID: fmt.Sprintf("p-%d-%d", i, n),
				StopOrder:     n,
				Session:       name,
				DeliveryName:  fmt.Sprintf("customer %d", n),
			})
		}
		sessions[name] = models.SessionRoute{RouteID: routeID, Session: name, Stops: stops}
	}
	return models.RouteSnapshot{DriverID: driverID, Sessions: sessions, CachedAt: time.Now().UTC()}, nil
}
