package syncqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/RouteBox/internal/models"
	"github.com/BearBump/RouteBox/internal/netmon"
	"github.com/BearBump/RouteBox/internal/storage/kvstore"
	"github.com/BearBump/RouteBox/internal/storage/memkv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeNet struct {
	online bool
}

func (f *fakeNet) Online() bool                  { return f.online }
func (f *fakeNet) Notify(ch chan<- netmon.State) {}

// flakyStore падает на Set заданное число раз.
type flakyStore struct {
	kvstore.Store
	failSets int
	err      error
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failSets > 0 {
		f.failSets--
		return f.err
	}
	return f.Store.Set(ctx, key, value)
}

func TestEnqueue_ListQueued_FIFO(t *testing.T) {
	s := New(memkv.New(), &fakeNet{})
	ctx := context.Background()

	id1, err := s.Enqueue(ctx, models.ActionStartJourney, models.StartJourneyPayload{DriverID: "d", RouteID: "r"})
	require.NoError(t, err)
	id2, err := s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{RouteID: "r", DeliveryID: "a"})
	require.NoError(t, err)
	id3, err := s.Enqueue(ctx, models.ActionEndSession, models.EndSessionPayload{RouteID: "r", Session: "lunch"})
	require.NoError(t, err)

	q, err := s.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, q, 3)
	require.Equal(t, []string{id1, id2, id3}, []string{q[0].ID, q[1].ID, q[2].ID})
	require.Equal(t, models.ActionStartJourney, q[0].Type)
	require.Zero(t, q[0].RetryCount)
}

func TestEnqueue_PersistenceFailureIsHard(t *testing.T) {
	store := &flakyStore{Store: memkv.New(), failSets: 1, err: errors.Wrap(kvstore.ErrQuotaExceeded, "set")}
	s := New(store, &fakeNet{})

	id, err := s.Enqueue(context.Background(), models.ActionMarkStop, models.StopCompletionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "action not captured")
	require.Empty(t, id)

	// И в очередь ничего не попало.
	q, err := s.ListQueued(context.Background())
	require.NoError(t, err)
	require.Empty(t, q)
}

func TestRemove_BumpRetry(t *testing.T) {
	s := New(memkv.New(), &fakeNet{})
	ctx := context.Background()

	id1, _ := s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: "a"})
	id2, _ := s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: "b"})

	require.NoError(t, s.BumpRetry(ctx, id2))
	require.NoError(t, s.Remove(ctx, id1))

	q, err := s.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	require.Equal(t, id2, q[0].ID)
	require.Equal(t, 1, q[0].RetryCount)
}

// Свойство: строгий FIFO-порядок реплея.
func TestDrain_FIFOOrder(t *testing.T) {
	s := New(memkv.New(), &fakeNet{online: true})
	ctx := context.Background()

	var ids []string
	for _, d := range []string{"a", "b", "c"} {
		id, err := s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: d})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var executed []string
	res, err := s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error {
		executed = append(executed, a.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Synced)
	require.Zero(t, res.Failed)
	require.Equal(t, ids, executed)

	q, err := s.ListQueued(ctx)
	require.NoError(t, err)
	require.Empty(t, q)

	_, ok := s.LastSyncedAt(ctx)
	require.True(t, ok)
}

func TestDrain_FailureDoesNotAbortPass(t *testing.T) {
	s := New(memkv.New(), &fakeNet{online: true})
	ctx := context.Background()

	s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: "bad"})
	s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: "good"})

	res, err := s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error {
		var req models.StopCompletionRequest
		require.NoError(t, json.Unmarshal(a.Payload, &req))
		if req.DeliveryID == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, res.Failed) // retry_count=1, потолок ещё не достигнут

	q, _ := s.ListQueued(ctx)
	require.Len(t, q, 1)
	require.Equal(t, 1, q[0].RetryCount)
}

// Свойство: после 5 неудачных реплеев действие уходит в failed set
// и не ретраится шестой раз.
func TestDrain_BoundedRetry(t *testing.T) {
	s := New(memkv.New(), &fakeNet{online: true})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, models.ActionStartJourney, models.StartJourneyPayload{RouteID: "r"})
	require.NoError(t, err)

	calls := 0
	failing := func(ctx context.Context, a models.QueuedAction) error {
		calls++
		return errors.New("unreachable")
	}

	for i := 0; i < 4; i++ {
		res, err := s.Drain(ctx, failing)
		require.NoError(t, err)
		require.Zero(t, res.Failed)
	}
	require.Equal(t, 4, calls)

	// Пятый провал — демоция.
	res, err := s.Drain(ctx, failing)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.FailedActions, 1)
	require.Equal(t, id, res.FailedActions[0].ID)
	require.Equal(t, 5, res.FailedActions[0].RetryCount)

	q, err := s.ListQueued(ctx)
	require.NoError(t, err)
	require.Empty(t, q)

	failed, err := s.FailedActions(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, id, failed[0].ID)

	// Шестого вызова executor не будет.
	res, err = s.Drain(ctx, failing)
	require.NoError(t, err)
	require.Zero(t, res.Synced+res.Failed)
	require.Equal(t, 5, calls)
}

// Свойство: reentrancy guard — параллельный Drain не исполняет действия
// второй раз.
func TestDrain_ReentrancyGuard(t *testing.T) {
	s := New(memkv.New(), &fakeNet{online: true})
	ctx := context.Background()

	for _, d := range []string{"a", "b"} {
		_, err := s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: d})
		require.NoError(t, err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	callsByID := map[string]int{}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstRes DrainResult
	go func() {
		defer wg.Done()
		firstRes, _ = s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error {
			mu.Lock()
			callsByID[a.ID]++
			mu.Unlock()
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		})
	}()

	<-started
	// Первый drain висит внутри executor'а — второй должен отвалиться сразу.
	_, err := s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error {
		t.Fatal("second drain must not execute actions")
		return nil
	})
	require.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	wg.Wait()

	require.Equal(t, 2, firstRes.Synced)
	for id, n := range callsByID {
		require.Equalf(t, 1, n, "action %s executed %d times", id, n)
	}
}

// Свойство: quota на снапшоте — одна очистка и повтор; второй провал
// не оставляет битого снапшота.
func TestCacheSnapshot_QuotaClearAndRetry(t *testing.T) {
	store := memkv.New()
	s := New(&flakyStore{Store: store, failSets: 1, err: errors.Wrap(kvstore.ErrQuotaExceeded, "set")}, &fakeNet{})
	ctx := context.Background()

	snap := models.RouteSnapshot{DriverID: "d", CachedAt: time.Now().UTC()}
	require.NoError(t, s.CacheSnapshot(ctx, snap))

	got, err := s.CachedSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "d", got.DriverID)
}

func TestCacheSnapshot_RetryAlsoFails(t *testing.T) {
	store := memkv.New()
	flaky := &flakyStore{Store: store, failSets: 2, err: errors.Wrap(kvstore.ErrQuotaExceeded, "set")}
	s := New(flaky, &fakeNet{})
	ctx := context.Background()

	// Старый снапшот уже лежит.
	require.NoError(t, store.Set(ctx, "route:snapshot", mustJSON(t, models.RouteSnapshot{DriverID: "old"})))

	err := s.CacheSnapshot(ctx, models.RouteSnapshot{DriverID: "new"})
	require.Error(t, err)

	// Либо старый снапшот, либо ничего — но не мусор.
	got, gerr := s.CachedSnapshot(ctx)
	require.NoError(t, gerr)
	require.Nil(t, got)
}

func TestCachedSnapshot_AbsentIsNil(t *testing.T) {
	s := New(memkv.New(), &fakeNet{})
	got, err := s.CachedSnapshot(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDrain_ContextCancelKeepsTail(t *testing.T) {
	s := New(memkv.New(), &fakeNet{online: true})
	ctx, cancel := context.WithCancel(context.Background())

	for _, d := range []string{"a", "b", "c"} {
		_, err := s.Enqueue(ctx, models.ActionMarkStop, models.StopCompletionRequest{DeliveryID: d})
		require.NoError(t, err)
	}

	calls := 0
	res, err := s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error {
		calls++
		cancel() // отмена после первого действия
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, res.Synced)

	q, qerr := s.ListQueued(context.Background())
	require.NoError(t, qerr)
	require.Len(t, q, 2)
}

func TestDrain_HookFiresOnlyWhenSomethingReplayed(t *testing.T) {
	ctx := context.Background()
	s := New(memkv.New(), &fakeNet{online: true})

	var hooked []DrainResult
	s.WithDrainHook(func(ctx context.Context, res DrainResult) {
		hooked = append(hooked, res)
	})

	// Пустая очередь — хук молчит.
	_, err := s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error { return nil })
	require.NoError(t, err)
	require.Empty(t, hooked)

	_, err = s.Enqueue(ctx, models.ActionMarkStop, map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = s.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error { return nil })
	require.NoError(t, err)
	require.Len(t, hooked, 1)
	require.Equal(t, 1, hooked[0].Synced)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
