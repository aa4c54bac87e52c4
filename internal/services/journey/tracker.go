package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/RouteBox/internal/broker/messages"
	"github.com/BearBump/RouteBox/internal/cache"
	"github.com/BearBump/RouteBox/internal/integrations/dispatch"
	"github.com/BearBump/RouteBox/internal/integrations/geoloc"
	"github.com/BearBump/RouteBox/internal/models"
	"github.com/BearBump/RouteBox/internal/storage/kvstore"
	"github.com/pkg/errors"
)

// Queue is the slice of the offline sync service the tracker needs.
type Queue interface {
	IsOnline() bool
	Enqueue(ctx context.Context, typ string, payload any) (string, error)
	CacheSnapshot(ctx context.Context, snap models.RouteSnapshot) error
	CachedSnapshot(ctx context.Context) (*models.RouteSnapshot, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Precondition violations. Проверяются до любого сетевого или очередного
// действия и никогда не меняют состояние.
var (
	ErrSessionCompleted  = errors.New("session already completed")
	ErrNoRouteForSession = errors.New("no route resolvable for session")
	ErrInvalidStopStatus = errors.New("invalid stop status")
	ErrRateLimited       = errors.New("reoptimize rate limit reached")
)

// RemoteError — онлайн-вызов не прошёл. Состояние не продвинуто, в
// очередь ничего не попало: устройство онлайн, пользователь повторит.
type RemoteError struct {
	Op    string
	Cause error
}

func (e *RemoteError) Error() string { return e.Op + ": " + e.Cause.Error() }
func (e *RemoteError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a transient online failure.
func IsRetryable(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Ack tells the caller whether the operation is confirmed server-side,
// queued for sync, or was a no-op on an already-marked stop.
type Ack string

const (
	AckConfirmed     Ack = "confirmed"
	AckQueued        Ack = "queued"
	AckAlreadyMarked Ack = "already_marked"
)

type Result struct {
	Ack      Ack    `json:"ack"`
	RouteID  string `json:"route_id,omitempty"`
	StopKey  string `json:"stop_key,omitempty"`
	ActionID string `json:"action_id,omitempty"`
}

// Tracker — state machine поездки: активный маршрут, отмеченные
// остановки, завершённые сессии. Оптимистичные локальные изменения
// сливаются с серверным статусом, не затираясь им.
type Tracker struct {
	dispatch dispatch.Client
	queue    Queue
	geo      geoloc.Provider
	store    kvstore.Store

	statusCache cache.BytesCache
	statusTTL   time.Duration

	producer Producer
	topic    string

	rl           RateLimiter
	reoptPerHour int64

	driverID        string
	geoTimeout      time.Duration
	trafficInterval time.Duration

	mu       sync.Mutex
	st       models.JourneyState
	session  string
	inflight map[string]struct{}

	checkCh chan struct{}

	traffic trafficStats
}

func New(d dispatch.Client, q Queue, g geoloc.Provider, store kvstore.Store, driverID string) *Tracker {
	t := &Tracker{
		dispatch:        d,
		queue:           q,
		geo:             g,
		store:           store,
		driverID:        driverID,
		geoTimeout:      8 * time.Second,
		trafficInterval: 5 * time.Minute,
		session:         models.SessionLunch,
		checkCh:         make(chan struct{}, 1),
		st:              models.NewJourneyState(driverID),
		inflight:        map[string]struct{}{},
	}
	t.hydrate()
	return t
}

func (t *Tracker) WithTelemetry(p Producer, topic string) *Tracker {
	t.producer = p
	if topic == "" {
		topic = "journey.events"
	}
	t.topic = topic
	return t
}

func (t *Tracker) WithStatusCache(c cache.BytesCache, ttl time.Duration) *Tracker {
	t.statusCache = c
	t.statusTTL = ttl
	return t
}

func (t *Tracker) WithReoptimizeLimit(rl RateLimiter, perHour int64) *Tracker {
	t.rl = rl
	if perHour > 0 {
		t.reoptPerHour = perHour
	} else {
		t.reoptPerHour = 6
	}
	return t
}

func (t *Tracker) WithGeoTimeout(d time.Duration) *Tracker {
	if d > 0 {
		t.geoTimeout = d
	}
	return t
}

func (t *Tracker) WithTrafficInterval(d time.Duration) *Tracker {
	if d > 0 {
		t.trafficInterval = d
	}
	return t
}

func (t *Tracker) stateKey() string {
	return "journey:state:" + t.driverID
}

// hydrate восстанавливает состояние после рестарта агента.
func (t *Tracker) hydrate() {
	if t.store == nil {
		return
	}
	b, ok, err := t.store.Get(context.Background(), t.stateKey())
	if err != nil || !ok {
		return
	}
	var st models.JourneyState
	if json.Unmarshal(b, &st) != nil {
		return
	}
	if st.MarkedStops == nil {
		st.MarkedStops = map[string]bool{}
	}
	if st.CompletedSessions == nil {
		st.CompletedSessions = map[string]bool{}
	}
	t.st = st
}

func (t *Tracker) persistLocked(ctx context.Context) {
	if t.store == nil {
		return
	}
	b, err := json.Marshal(t.st)
	if err != nil {
		return
	}
	if err := t.store.Set(ctx, t.stateKey(), b); err != nil {
		slog.Warn("persist journey state", "error", err.Error())
	}
}

// SelectSession switches the active session tab. Progress already
// recorded for other sessions is kept.
func (t *Tracker) SelectSession(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if session != "" {
		t.session = strings.ToLower(session)
	}
}

func (t *Tracker) Session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// State returns a copy of the current journey state.
func (t *Tracker) State() models.JourneyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.Clone()
}

// Routes returns the driver's sessions: live fetch when online
// (refreshing the offline snapshot), cached snapshot otherwise.
func (t *Tracker) Routes(ctx context.Context) (models.RouteSnapshot, bool, error) {
	if t.queue.IsOnline() {
		snap, err := t.dispatch.FetchRoutes(ctx, t.driverID, time.Now().UTC())
		if err == nil {
			snap.CachedAt = time.Now().UTC()
			if cerr := t.queue.CacheSnapshot(ctx, snap); cerr != nil {
				slog.Warn("cache snapshot", "error", cerr.Error())
			}
			return snap, false, nil
		}
		slog.Warn("fetch routes, falling back to cache", "error", err.Error())
	}
	cached, err := t.queue.CachedSnapshot(ctx)
	if err != nil {
		return models.RouteSnapshot{}, false, err
	}
	if cached == nil {
		return models.RouteSnapshot{}, false, errors.New("no route data available offline")
	}
	return *cached, true, nil
}

// resolveRouteID finds the route id for the session from the snapshot;
// falls back to any session's route id (best effort, not a guess the
// caller can't see — the id is returned to them).
func (t *Tracker) resolveRouteID(ctx context.Context, session string) (string, error) {
	snap, err := t.queue.CachedSnapshot(ctx)
	if err != nil || snap == nil {
		return "", ErrNoRouteForSession
	}
	if sr, ok := snap.Sessions[session]; ok && sr.RouteID != "" {
		return sr.RouteID, nil
	}
	for _, sr := range snap.Sessions {
		if sr.RouteID != "" {
			return sr.RouteID, nil
		}
	}
	return "", ErrNoRouteForSession
}

// StartJourney activates the route for the selected session.
// Offline: optimistic apply + queue. Online: remote call first; a
// transport failure is surfaced as retryable and nothing is queued.
func (t *Tracker) StartJourney(ctx context.Context) (Result, error) {
	t.mu.Lock()
	session := t.session
	completed := t.st.CompletedSessions[session]
	t.mu.Unlock()

	if completed {
		return Result{}, errors.Wrapf(ErrSessionCompleted, "session %q", session)
	}

	routeID, err := t.resolveRouteID(ctx, session)
	if err != nil {
		return Result{}, err
	}

	if !t.queue.IsOnline() {
		actionID, err := t.queue.Enqueue(ctx, models.ActionStartJourney, models.StartJourneyPayload{
			DriverID: t.driverID,
			RouteID:  routeID,
		})
		if err != nil {
			return Result{}, err
		}
		t.applyActiveRoute(ctx, routeID)
		t.publish(ctx, messages.JourneyEvent{
			Kind: messages.KindJourneyStarted, DriverID: t.driverID,
			RouteID: routeID, Session: session, Queued: true, At: time.Now().UTC(),
		})
		return Result{Ack: AckQueued, RouteID: routeID, ActionID: actionID}, nil
	}

	serverRouteID, err := t.dispatch.StartJourney(ctx, t.driverID, routeID)
	if err != nil {
		return Result{}, &RemoteError{Op: "start journey", Cause: err}
	}
	t.applyActiveRoute(ctx, serverRouteID)
	t.publish(ctx, messages.JourneyEvent{
		Kind: messages.KindJourneyStarted, DriverID: t.driverID,
		RouteID: serverRouteID, Session: session, At: time.Now().UTC(),
	})
	t.TriggerTrafficCheck()
	return Result{Ack: AckConfirmed, RouteID: serverRouteID}, nil
}

func (t *Tracker) applyActiveRoute(ctx context.Context, routeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.ActiveRouteID = routeID
	t.persistLocked(ctx)
}

// MarkStop records a stop outcome. Idempotent: an already-marked stop
// short-circuits before any network or queue action. Geolocation is
// best-effort enrichment, never a precondition.
func (t *Tracker) MarkStop(ctx context.Context, stop models.Stop, status, comments string) (Result, error) {
	if status != models.StopStatusDelivered && status != models.StopStatusCustomerUnavailable {
		return Result{}, errors.Wrapf(ErrInvalidStopStatus, "status %q", status)
	}

	session := strings.ToLower(stop.Session)
	if session == "" {
		session = t.Session()
	}

	t.mu.Lock()
	completed := t.st.CompletedSessions[session]
	t.mu.Unlock()
	if completed {
		return Result{}, errors.Wrapf(ErrSessionCompleted, "session %q", session)
	}

	routeID, err := t.resolveRouteID(ctx, session)
	if err != nil {
		return Result{}, err
	}

	identity := t.resolveStopIdentity(ctx, stop, session)
	key := stopKey(routeID, session, identity)

	// Остановка могла быть отмечена под позиционным ключом до того, как
	// снапшот принёс стабильный plannedStopID. Проверяем оба ключа и
	// дописываем стабильный, чтобы второй вызов в сервис не ушёл.
	legacyKey := ""
	if !strings.HasPrefix(identity, orderKeyPrefix) && stop.StopOrder != 0 {
		legacyKey = stopKey(routeID, session, orderKey(stop.StopOrder))
	}

	t.mu.Lock()
	alreadyMarked := t.st.MarkedStops[key]
	if !alreadyMarked && legacyKey != "" && t.st.MarkedStops[legacyKey] {
		alreadyMarked = true
		t.st.MarkedStops[key] = true
		t.persistLocked(ctx)
	}
	if !alreadyMarked {
		// Вторая такая же отметка, пока первая ещё в полёте, — дубликат.
		if _, busy := t.inflight[key]; busy {
			t.mu.Unlock()
			return Result{Ack: AckAlreadyMarked, RouteID: routeID, StopKey: key}, nil
		}
		t.inflight[key] = struct{}{}
	}
	t.mu.Unlock()
	if alreadyMarked {
		return Result{Ack: AckAlreadyMarked, RouteID: routeID, StopKey: key}, nil
	}
	defer func() {
		t.mu.Lock()
		delete(t.inflight, key)
		t.mu.Unlock()
	}()

	req := models.StopCompletionRequest{
		RouteID:       routeID,
		DriverID:      t.driverID,
		DeliveryID:    stop.DeliveryID,
		Status:        status,
		PlannedStopID: stop.PlannedStopID,
		StopOrder:     stop.StopOrder,
		Comments:      comments,
		Location:      t.bestEffortPosition(ctx),
		CompletedAt:   time.Now().UTC(),
	}
	if req.PlannedStopID == "" && !strings.HasPrefix(identity, orderKeyPrefix) {
		req.PlannedStopID = identity
	}

	if !t.queue.IsOnline() {
		actionID, err := t.queue.Enqueue(ctx, models.ActionMarkStop, req)
		if err != nil {
			return Result{}, err
		}
		t.applyMark(ctx, key)
		t.publish(ctx, messages.JourneyEvent{
			Kind: messages.KindStopMarked, DriverID: t.driverID, RouteID: routeID,
			Session: session, StopKey: key, Status: status, Queued: true, At: time.Now().UTC(),
		})
		return Result{Ack: AckQueued, RouteID: routeID, StopKey: key, ActionID: actionID}, nil
	}

	if err := t.dispatch.MarkStopReached(ctx, req); err != nil {
		return Result{}, &RemoteError{Op: "mark stop", Cause: err}
	}
	t.applyMark(ctx, key)
	t.publish(ctx, messages.JourneyEvent{
		Kind: messages.KindStopMarked, DriverID: t.driverID, RouteID: routeID,
		Session: session, StopKey: key, Status: status, At: time.Now().UTC(),
	})
	return Result{Ack: AckConfirmed, RouteID: routeID, StopKey: key}, nil
}

func (t *Tracker) applyMark(ctx context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.MarkedStops[key] = true
	t.persistLocked(ctx)
}

// bestEffortPosition attaches coordinates when a fix is obtainable
// within the bound; otherwise the operation proceeds without them.
func (t *Tracker) bestEffortPosition(ctx context.Context) *models.Position {
	if t.geo == nil {
		return nil
	}
	pos, err := t.geo.CurrentPosition(ctx, geoloc.Options{
		HighAccuracy: true,
		Timeout:      t.geoTimeout,
		MaximumAge:   time.Minute,
	})
	if err != nil {
		slog.Debug("geolocation unavailable", "error", err.Error())
		return nil
	}
	return &pos
}

// CurrentPosition — явный запрос позиции. Здесь деградировать некуда:
// ошибка фикса отдаётся как есть.
func (t *Tracker) CurrentPosition(ctx context.Context) (models.Position, error) {
	if t.geo == nil {
		return models.Position{}, errors.New("geolocation provider is not configured")
	}
	pos, err := t.geo.CurrentPosition(ctx, geoloc.Options{
		HighAccuracy: true,
		Timeout:      t.geoTimeout,
	})
	if err != nil {
		return models.Position{}, errors.Wrap(err, "current position")
	}
	return pos, nil
}

// UpdateLocation corrects a delivery address's coordinates.
func (t *Tracker) UpdateLocation(ctx context.Context, req models.LocationUpdateRequest) (Result, error) {
	if req.Latitude == 0 && req.Longitude == 0 {
		return Result{}, errors.New("latitude and longitude are required")
	}

	if !t.queue.IsOnline() {
		actionID, err := t.queue.Enqueue(ctx, models.ActionUpdateLocation, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Ack: AckQueued, ActionID: actionID}, nil
	}

	if err := t.dispatch.UpdateGeoLocation(ctx, req); err != nil {
		return Result{}, &RemoteError{Op: "update location", Cause: err}
	}
	return Result{Ack: AckConfirmed}, nil
}

// EndSession completes the selected session. Terminal: further stop
// marking for the session is rejected, the active route is released.
func (t *Tracker) EndSession(ctx context.Context) (Result, error) {
	t.mu.Lock()
	session := t.session
	completed := t.st.CompletedSessions[session]
	t.mu.Unlock()

	if completed {
		return Result{}, errors.Wrapf(ErrSessionCompleted, "session %q", session)
	}

	routeID, err := t.resolveRouteID(ctx, session)
	if err != nil {
		return Result{}, err
	}

	if !t.queue.IsOnline() {
		actionID, err := t.queue.Enqueue(ctx, models.ActionEndSession, models.EndSessionPayload{
			RouteID: routeID,
			Session: session,
		})
		if err != nil {
			return Result{}, err
		}
		t.applySessionCompleted(ctx, routeID, session)
		t.publish(ctx, messages.JourneyEvent{
			Kind: messages.KindSessionCompleted, DriverID: t.driverID,
			RouteID: routeID, Session: session, Queued: true, At: time.Now().UTC(),
		})
		return Result{Ack: AckQueued, RouteID: routeID, ActionID: actionID}, nil
	}

	if err := t.dispatch.CompleteSession(ctx, routeID, session); err != nil {
		return Result{}, &RemoteError{Op: "end session", Cause: err}
	}
	t.applySessionCompleted(ctx, routeID, session)
	t.publish(ctx, messages.JourneyEvent{
		Kind: messages.KindSessionCompleted, DriverID: t.driverID,
		RouteID: routeID, Session: session, At: time.Now().UTC(),
	})
	return Result{Ack: AckConfirmed, RouteID: routeID}, nil
}

func (t *Tracker) applySessionCompleted(ctx context.Context, routeID, session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.CompletedSessions[session] = true
	if t.st.ActiveRouteID == routeID {
		t.st.ActiveRouteID = ""
	}
	t.persistLocked(ctx)
}

// Reconcile pulls the canonical route status and merges it into local
// state. Set-union, never destructive: a slow server response must not
// erase optimistic local marks it has not caught up to.
func (t *Tracker) Reconcile(ctx context.Context) error {
	session := t.Session()
	routeID, err := t.resolveRouteID(ctx, session)
	if err != nil {
		return err
	}

	status, err := t.routeStatus(ctx, routeID)
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}
	t.applyStatus(ctx, status, routeID, session)
	return nil
}

func (t *Tracker) routeStatus(ctx context.Context, routeID string) (dispatch.RouteStatus, error) {
	cacheKey := "route:" + routeID + ":status"
	if t.statusCache != nil && t.statusTTL > 0 {
		if b, ok, err := t.statusCache.Get(ctx, cacheKey); err == nil && ok {
			var st dispatch.RouteStatus
			if json.Unmarshal(b, &st) == nil {
				return st, nil
			}
		}
	}

	st, err := t.dispatch.RouteStatus(ctx, routeID)
	if err != nil {
		return dispatch.RouteStatus{}, err
	}
	if t.statusCache != nil && t.statusTTL > 0 {
		if b, err := json.Marshal(st); err == nil {
			_ = t.statusCache.Set(ctx, cacheKey, b, t.statusTTL)
		}
	}
	return st, nil
}

func (t *Tracker) applyStatus(ctx context.Context, status dispatch.RouteStatus, resolvedRouteID, selectedSession string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ms := range status.MarkedStops {
		session := strings.ToLower(ms.Session)
		if session == "" {
			session = selectedSession
		}
		identity := ms.PlannedStopID
		if identity == "" {
			identity = orderKey(ms.StopOrder)
		}
		t.st.MarkedStops[stopKey(status.RouteID, session, identity)] = true
	}
	for _, cs := range status.CompletedSessions {
		t.st.CompletedSessions[strings.ToLower(cs)] = true
	}

	// ActiveRouteID принимаем от сервера только для маршрута выбранной
	// сессии, чтобы статус другой сессии не перетёр текущую.
	if status.RouteID == resolvedRouteID && status.JourneyStarted && t.st.ActiveRouteID == "" {
		t.st.ActiveRouteID = status.RouteID
	}
	if t.st.CompletedSessions[selectedSession] && t.st.ActiveRouteID == resolvedRouteID {
		t.st.ActiveRouteID = ""
	}

	t.persistLocked(ctx)
}

// ExecuteAction replays one queued action through the same remote call
// path the online flow uses. Passed to syncqueue.Drain.
func (t *Tracker) ExecuteAction(ctx context.Context, a models.QueuedAction) error {
	switch a.Type {
	case models.ActionStartJourney:
		var p models.StartJourneyPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return errors.Wrap(err, "decode start payload")
		}
		serverRouteID, err := t.dispatch.StartJourney(ctx, p.DriverID, p.RouteID)
		if err != nil {
			return err
		}
		t.mu.Lock()
		if t.st.ActiveRouteID == p.RouteID && serverRouteID != "" {
			t.st.ActiveRouteID = serverRouteID
			t.persistLocked(ctx)
		}
		t.mu.Unlock()
		return nil

	case models.ActionMarkStop:
		var req models.StopCompletionRequest
		if err := json.Unmarshal(a.Payload, &req); err != nil {
			return errors.Wrap(err, "decode mark payload")
		}
		return t.dispatch.MarkStopReached(ctx, req)

	case models.ActionUpdateLocation:
		var req models.LocationUpdateRequest
		if err := json.Unmarshal(a.Payload, &req); err != nil {
			return errors.Wrap(err, "decode location payload")
		}
		return t.dispatch.UpdateGeoLocation(ctx, req)

	case models.ActionEndSession:
		var p models.EndSessionPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return errors.Wrap(err, "decode end payload")
		}
		return t.dispatch.CompleteSession(ctx, p.RouteID, p.Session)

	default:
		return errors.Errorf("unknown action type %q", a.Type)
	}
}

// ReportSyncDrained emits telemetry after a queue drain pass. Hooked up
// by the agent wiring; safe to call with no producer configured.
func (t *Tracker) ReportSyncDrained(ctx context.Context, synced, failed int) {
	t.publish(ctx, messages.JourneyEvent{
		Kind:     messages.KindSyncDrained,
		DriverID: t.driverID,
		Synced:   synced,
		Failed:   failed,
		At:       time.Now().UTC(),
	})
}

func (t *Tracker) publish(ctx context.Context, ev messages.JourneyEvent) {
	if t.producer == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Телеметрия строго best-effort.
	if err := t.producer.Publish(ctx, t.topic, []byte(ev.DriverID), b); err != nil {
		slog.Warn("publish journey event", "kind", ev.Kind, "error", err.Error())
	}
}

const orderKeyPrefix = "order:"

func orderKey(order int) string {
	return fmt.Sprintf("%s%d", orderKeyPrefix, order)
}

func stopKey(routeID, session, identity string) string {
	return routeID + "|" + session + "|" + identity
}

// resolveStopIdentity prefers a stable planned-stop id over positional
// order: reoptimization can reshuffle stop orders, and an order-keyed
// mark would re-present a delivered stop as unmarked.
func (t *Tracker) resolveStopIdentity(ctx context.Context, stop models.Stop, session string) string {
	if stop.PlannedStopID != "" {
		return stop.PlannedStopID
	}

	snap, err := t.queue.CachedSnapshot(ctx)
	if err == nil && snap != nil {
		if sr, ok := snap.Sessions[session]; ok {
			for _, s := range sr.Stops {
				if s.PlannedStopID == "" {
					continue
				}
				if stop.DeliveryID != "" && s.DeliveryID == stop.DeliveryID {
					return s.PlannedStopID
				}
				if stop.StopOrder != 0 && s.StopOrder == stop.StopOrder {
					return s.PlannedStopID
				}
				if stop.DeliveryName != "" && strings.EqualFold(s.DeliveryName, stop.DeliveryName) {
					return s.PlannedStopID
				}
			}
		}
	}

	return orderKey(stop.StopOrder)
}
