package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// ProbeFunc reports whether the network currently looks reachable.
type ProbeFunc func(ctx context.Context) bool

// Monitor держит текущее состояние сети и рассылает переходы подписчикам.
// Источник правды — периодический probe; транспортные ошибки снаружи могут
// дополнительно дёргать SetOnline(false), не дожидаясь следующего тика.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration

	online atomic.Bool

	mu   sync.Mutex
	subs []chan<- State

	triggerCh chan struct{}
}

func New(probe ProbeFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{
		probe:     probe,
		interval:  interval,
		triggerCh: make(chan struct{}, 1),
	}
	// До первого probe считаем устройство онлайн.
	m.online.Store(true)
	return m
}

// HTTPProbe probes url with a HEAD request; any response counts as online.
func HTTPProbe(url string, timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline applies the new state and notifies subscribers on transition.
func (m *Monitor) SetOnline(v bool) {
	if m.online.Swap(v) == v {
		return
	}
	st := StateOffline
	if v {
		st = StateOnline
	}
	slog.Info("connectivity changed", "state", string(st))

	m.mu.Lock()
	subs := make([]chan<- State, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		// Подписчик не успевает — переход не блокирует монитор.
		select {
		case ch <- st:
		default:
		}
	}
}

// Notify registers ch for transition notifications. Sends are
// non-blocking; ch should be buffered.
func (m *Monitor) Notify(ch chan<- State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, ch)
}

// Trigger forces an immediate probe cycle (best-effort, non-blocking).
func (m *Monitor) Trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	if m.probe == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	m.SetOnline(m.probe(ctx))

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.SetOnline(m.probe(ctx))
		case <-m.triggerCh:
			m.SetOnline(m.probe(ctx))
		}
	}
}
