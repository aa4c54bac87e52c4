package journey

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/RouteBox/internal/integrations/dispatch"
	"github.com/BearBump/RouteBox/internal/models"
)

type trafficStats struct {
	mu           sync.Mutex
	checksTotal  int64
	lastCheckAt  time.Time
	heavyTraffic bool
	lastError    string
}

type TrafficStats struct {
	ChecksTotal  int64     `json:"checks_total"`
	LastCheckAt  time.Time `json:"last_check_at"`
	HeavyTraffic bool      `json:"heavy_traffic"`
	LastError    string    `json:"last_error,omitempty"`
}

func (t *Tracker) TrafficStats() TrafficStats {
	t.traffic.mu.Lock()
	defer t.traffic.mu.Unlock()
	return TrafficStats{
		ChecksTotal:  t.traffic.checksTotal,
		LastCheckAt:  t.traffic.lastCheckAt,
		HeavyTraffic: t.traffic.heavyTraffic,
		LastError:    t.traffic.lastError,
	}
}

// TriggerTrafficCheck requests an out-of-band check. Non-blocking: if
// one is already pending, the signal coalesces.
func (t *Tracker) TriggerTrafficCheck() {
	select {
	case t.checkCh <- struct{}{}:
	default:
	}
}

// RunTrafficWatch polls traffic conditions for the active route on a
// fixed cadence plus immediately after a confirmed journey start.
// Skips ticks while offline or with no active journey.
func (t *Tracker) RunTrafficWatch(ctx context.Context) error {
	ticker := time.NewTicker(t.trafficInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-t.checkCh:
		}

		t.mu.Lock()
		routeID := t.st.ActiveRouteID
		t.mu.Unlock()
		if routeID == "" || !t.queue.IsOnline() {
			continue
		}
		t.checkTraffic(ctx, routeID)
	}
}

func (t *Tracker) checkTraffic(ctx context.Context, routeID string) {
	pos := t.bestEffortPosition(ctx)
	rep, err := t.dispatch.CheckTraffic(ctx, routeID, pos, false)

	t.traffic.mu.Lock()
	t.traffic.checksTotal++
	t.traffic.lastCheckAt = time.Now().UTC()
	if err != nil {
		t.traffic.lastError = err.Error()
		t.traffic.mu.Unlock()
		slog.Warn("traffic check", "route_id", routeID, "error", err.Error())
		return
	}
	t.traffic.heavyTraffic = rep.HeavyTrafficDetected
	t.traffic.lastError = ""
	t.traffic.mu.Unlock()

	if rep.Reoptimized && len(rep.UpdatedRouteOrder) > 0 {
		slog.Info("route reoptimized by traffic check", "route_id", routeID, "stops", len(rep.UpdatedRouteOrder))
		t.applyReoptimizedOrder(ctx, routeID, rep.UpdatedRouteOrder)
	}
}

// applyReoptimizedOrder переписывает порядок остановок сессии в
// оффлайн-снапшоте и сбрасывает кэш статуса маршрута.
func (t *Tracker) applyReoptimizedOrder(ctx context.Context, routeID string, stops []models.Stop) {
	snap, err := t.queue.CachedSnapshot(ctx)
	if err != nil || snap == nil {
		return
	}
	for session, sr := range snap.Sessions {
		if sr.RouteID != routeID {
			continue
		}
		sr.Stops = stops
		snap.Sessions[session] = sr
	}
	snap.CachedAt = time.Now().UTC()
	if err := t.queue.CacheSnapshot(ctx, *snap); err != nil {
		slog.Warn("cache reoptimized snapshot", "error", err.Error())
	}
	t.invalidateStatusCache(ctx, routeID)
}

func (t *Tracker) invalidateStatusCache(ctx context.Context, routeID string) {
	if t.statusCache == nil {
		return
	}
	_ = t.statusCache.Del(ctx, "route:"+routeID+":status")
}

// Reoptimize запускает ручную переоптимизацию активного маршрута.
// Частота ограничена: водитель в пробке жмёт кнопку чаще, чем сервер
// готов пересчитывать.
func (t *Tracker) Reoptimize(ctx context.Context) (dispatch.ReoptimizeResult, error) {
	t.mu.Lock()
	routeID := t.st.ActiveRouteID
	session := t.session
	t.mu.Unlock()

	if routeID == "" {
		var err error
		routeID, err = t.resolveRouteID(ctx, session)
		if err != nil {
			return dispatch.ReoptimizeResult{}, err
		}
	}

	if t.rl != nil {
		allowed, _, err := t.rl.Allow(ctx, "reopt:"+routeID, t.reoptPerHour, time.Hour)
		if err != nil {
			slog.Warn("reoptimize rate limiter", "error", err.Error())
		} else if !allowed {
			return dispatch.ReoptimizeResult{}, ErrRateLimited
		}
	}

	pos := t.bestEffortPosition(ctx)
	res, err := t.dispatch.ReoptimizeRoute(ctx, routeID, pos)
	if err != nil {
		return dispatch.ReoptimizeResult{}, &RemoteError{Op: "reoptimize route", Cause: err}
	}

	if res.Success {
		t.invalidateStatusCache(ctx, routeID)
		// Снапшот обновится следующим запросом маршрутов.
		if _, _, err := t.Routes(ctx); err != nil {
			slog.Warn("refresh routes after reoptimize", "error", err.Error())
		}
	}
	return res, nil
}
