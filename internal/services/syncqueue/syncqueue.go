package syncqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/RouteBox/internal/models"
	"github.com/BearBump/RouteBox/internal/netmon"
	"github.com/BearBump/RouteBox/internal/storage/kvstore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	keyQueue    = "sync:queue"
	keyFailed   = "sync:failed"
	keySnapshot = "route:snapshot"
	keyLastSync = "sync:last_sync_at"
)

// DefaultMaxRetries — потолок повторов; дальше действие уходит в failed set
// и больше никогда не ретраится, чтобы не блокировать очередь.
const DefaultMaxRetries = 5

// ErrDrainInProgress is returned by Drain when another drain pass is
// already running. The second call is a no-op, not an error condition.
var ErrDrainInProgress = errors.New("sync drain already in progress")

// Network is the connectivity signal the queue reacts to.
type Network interface {
	Online() bool
	Notify(ch chan<- netmon.State)
}

// ExecFunc replays one queued action against the remote service.
type ExecFunc func(ctx context.Context, a models.QueuedAction) error

type DrainResult struct {
	Synced        int                   `json:"synced"`
	Failed        int                   `json:"failed"`
	FailedActions []models.QueuedAction `json:"failedActions,omitempty"`
}

// Service — durable очередь мутирующих действий, накопленных офлайн,
// плюс кэш последнего снапшота маршрутов. Обе вещи живут в локальном
// kvstore и переживают рестарт агента.
type Service struct {
	store      kvstore.Store
	net        Network
	maxRetries int

	// Единственный механизм взаимного исключения для drain:
	// check-and-set до первой приостановки.
	draining atomic.Bool

	totalEnqueued     atomic.Int64
	totalSynced       atomic.Int64
	totalFailed       atomic.Int64
	lastDrainUnixNano atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string

	drainHook func(ctx context.Context, res DrainResult)
}

func New(store kvstore.Store, net Network) *Service {
	return &Service{
		store:      store,
		net:        net,
		maxRetries: DefaultMaxRetries,
	}
}

func (s *Service) WithMaxRetries(n int) *Service {
	if n > 0 {
		s.maxRetries = n
	}
	return s
}

// WithDrainHook registers a callback fired after every drain pass that
// actually replayed something. Used for telemetry.
func (s *Service) WithDrainHook(fn func(ctx context.Context, res DrainResult)) *Service {
	s.drainHook = fn
	return s
}

func (s *Service) IsOnline() bool {
	if s.net == nil {
		return true
	}
	return s.net.Online()
}

// Enqueue captures a mutating action for later replay. A persistence
// failure is a hard error: the caller must report the operation as
// failed, never as "queued".
func (s *Service) Enqueue(ctx context.Context, typ string, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal action payload")
	}

	q, err := s.loadActions(ctx, keyQueue)
	if err != nil {
		return "", err
	}

	a := models.QueuedAction{
		ID:         uuid.NewString(),
		Type:       typ,
		Payload:    b,
		EnqueuedAt: time.Now().UTC(),
	}
	q = append(q, a)

	if err := s.saveActions(ctx, keyQueue, q); err != nil {
		return "", errors.Wrap(err, "action not captured")
	}
	s.totalEnqueued.Add(1)
	return a.ID, nil
}

func (s *Service) ListQueued(ctx context.Context) ([]models.QueuedAction, error) {
	return s.loadActions(ctx, keyQueue)
}

// FailedActions returns permanently failed actions (retry ceiling hit).
func (s *Service) FailedActions(ctx context.Context) ([]models.QueuedAction, error) {
	return s.loadActions(ctx, keyFailed)
}

func (s *Service) Remove(ctx context.Context, id string) error {
	q, err := s.loadActions(ctx, keyQueue)
	if err != nil {
		return err
	}
	out := q[:0]
	for _, a := range q {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return s.saveActions(ctx, keyQueue, out)
}

func (s *Service) BumpRetry(ctx context.Context, id string) error {
	q, err := s.loadActions(ctx, keyQueue)
	if err != nil {
		return err
	}
	for i := range q {
		if q[i].ID == id {
			q[i].RetryCount++
			break
		}
	}
	return s.saveActions(ctx, keyQueue, q)
}

// CacheSnapshot overwrites the single stored route snapshot. On quota
// exhaustion the snapshot key is cleared once and the write retried;
// a second failure leaves "nothing" rather than a corrupt snapshot.
func (s *Service) CacheSnapshot(ctx context.Context, snap models.RouteSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	err = s.store.Set(ctx, keySnapshot, b)
	if err == nil {
		return nil
	}
	if !errors.Is(err, kvstore.ErrQuotaExceeded) {
		return errors.Wrap(err, "cache snapshot")
	}

	// Квота: чистим место под снапшот и пробуем один раз ещё.
	if delErr := s.store.Delete(ctx, keySnapshot); delErr != nil {
		slog.Warn("snapshot clear failed", "error", delErr.Error())
		return errors.Wrap(err, "cache snapshot")
	}
	if retryErr := s.store.Set(ctx, keySnapshot, b); retryErr != nil {
		slog.Warn("snapshot cache skipped", "error", retryErr.Error())
		return errors.Wrap(retryErr, "cache snapshot retry")
	}
	return nil
}

// CachedSnapshot returns the stored snapshot, or nil when none exists.
func (s *Service) CachedSnapshot(ctx context.Context) (*models.RouteSnapshot, error) {
	b, ok, err := s.store.Get(ctx, keySnapshot)
	if err != nil {
		return nil, errors.Wrap(err, "get snapshot")
	}
	if !ok {
		return nil, nil
	}
	var snap models.RouteSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}

func (s *Service) LastSyncedAt(ctx context.Context) (time.Time, bool) {
	b, ok, err := s.store.Get(ctx, keyLastSync)
	if err != nil || !ok {
		return time.Time{}, false
	}
	var t time.Time
	if json.Unmarshal(b, &t) != nil {
		return time.Time{}, false
	}
	return t, true
}

// Drain replays queued actions strictly in FIFO order, one at a time.
// A failed action gets its retry count bumped; at the ceiling it is
// demoted to the failed set so it cannot block the rest of the queue.
// Reentrant calls return ErrDrainInProgress without executing anything.
func (s *Service) Drain(ctx context.Context, exec ExecFunc) (DrainResult, error) {
	if exec == nil {
		return DrainResult{}, errors.New("exec is required")
	}
	if !s.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer s.draining.Store(false)

	pending, err := s.loadActions(ctx, keyQueue)
	if err != nil {
		return DrainResult{}, err
	}

	var res DrainResult
	kept := make([]models.QueuedAction, 0, len(pending))

	for i, a := range pending {
		if ctx.Err() != nil {
			kept = append(kept, pending[i:]...)
			// Сохраняем хвост очереди уже без отменённого контекста.
			if saveErr := s.saveActions(context.WithoutCancel(ctx), keyQueue, kept); saveErr != nil {
				slog.Error("persist queue on cancel", "error", saveErr.Error())
			}
			return res, ctx.Err()
		}

		execErr := exec(ctx, a)
		if execErr == nil {
			res.Synced++
		} else {
			a.RetryCount++
			if a.RetryCount >= s.maxRetries {
				res.Failed++
				res.FailedActions = append(res.FailedActions, a)
				if err := s.appendFailed(ctx, a); err != nil {
					slog.Error("record failed action", "action_id", a.ID, "error", err.Error())
				}
			} else {
				kept = append(kept, a)
			}
			s.setLastError(execErr.Error())
			slog.Warn("action replay failed",
				"action_id", a.ID, "type", a.Type, "retry_count", a.RetryCount, "error", execErr.Error())
		}

		// Персистим очередь после каждого действия: упавший посреди
		// drain агент не повторит уже подтверждённые действия.
		snapshot := append(append([]models.QueuedAction{}, kept...), pending[i+1:]...)
		if err := s.saveActions(ctx, keyQueue, snapshot); err != nil {
			return res, errors.Wrap(err, "persist queue")
		}
	}

	now := time.Now().UTC()
	s.lastDrainUnixNano.Store(now.UnixNano())
	if b, err := json.Marshal(now); err == nil {
		_ = s.store.Set(ctx, keyLastSync, b)
	}
	s.totalSynced.Add(int64(res.Synced))
	s.totalFailed.Add(int64(res.Failed))

	if s.drainHook != nil && (res.Synced > 0 || res.Failed > 0) {
		s.drainHook(ctx, res)
	}
	return res, nil
}

// Run drains on every offline->online transition and on a periodic
// timer while online. Redundant triggers collapse into the reentrancy
// guard inside Drain.
func (s *Service) Run(ctx context.Context, exec ExecFunc, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	transitions := make(chan netmon.State, 4)
	if s.net != nil {
		s.net.Notify(transitions)
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-transitions:
			if st == netmon.StateOnline {
				s.drainLogged(ctx, exec)
			}
		case <-t.C:
			if s.IsOnline() {
				s.drainLogged(ctx, exec)
			}
		}
	}
}

func (s *Service) drainLogged(ctx context.Context, exec ExecFunc) {
	res, err := s.Drain(ctx, exec)
	if err != nil {
		if !errors.Is(err, ErrDrainInProgress) && !errors.Is(err, context.Canceled) {
			slog.Error("drain", "error", err.Error())
		}
		return
	}
	if res.Synced > 0 || res.Failed > 0 {
		slog.Info("offline queue drained", "synced", res.Synced, "failed", res.Failed)
	}
}

type Stats struct {
	TotalEnqueued int64      `json:"totalEnqueued"`
	TotalSynced   int64      `json:"totalSynced"`
	TotalFailed   int64      `json:"totalFailed"`
	LastDrainAt   *time.Time `json:"lastDrainAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	Online        bool       `json:"online"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		TotalEnqueued: s.totalEnqueued.Load(),
		TotalSynced:   s.totalSynced.Load(),
		TotalFailed:   s.totalFailed.Load(),
		Online:        s.IsOnline(),
	}
	if n := s.lastDrainUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastDrainAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Service) setLastError(msg string) {
	s.lastErrorMu.Lock()
	s.lastError = msg
	s.lastErrorMu.Unlock()
}

func (s *Service) appendFailed(ctx context.Context, a models.QueuedAction) error {
	failed, err := s.loadActions(ctx, keyFailed)
	if err != nil {
		return err
	}
	failed = append(failed, a)
	return s.saveActions(ctx, keyFailed, failed)
}

func (s *Service) loadActions(ctx context.Context, key string) ([]models.QueuedAction, error) {
	b, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "load actions")
	}
	if !ok {
		return nil, nil
	}
	var q []models.QueuedAction
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, errors.Wrap(err, "unmarshal actions")
	}
	return q, nil
}

func (s *Service) saveActions(ctx context.Context, key string, q []models.QueuedAction) error {
	if len(q) == 0 {
		return errors.Wrap(s.store.Delete(ctx, key), "clear actions")
	}
	b, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "marshal actions")
	}
	return errors.Wrap(s.store.Set(ctx, key, b), "save actions")
}
