// Package connectivity tracks whether the remote backend is reachable and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Status is the network status reported by Health endpoints.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Listener is called with the new state after every transition. Listeners run
// synchronously on the goroutine that changed the state and must not block.
type Listener func(online bool)

// Monitor holds the current connectivity signal.
type Monitor struct {
	logger *zap.Logger
	online atomic.Bool

	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
	// offline is closed when the monitor goes offline and replaced on the way back up.
	offline chan struct{}
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initial bool, logger *zap.Logger) *Monitor {
	m := &Monitor{
		logger:    logger.Named("connectivity"),
		listeners: make(map[int]Listener),
		offline:   make(chan struct{}),
	}
	m.online.Store(initial)
	if !initial {
		close(m.offline)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Status returns the current state as a Status.
func (m *Monitor) Status() Status {
	if m.Online() {
		return StatusOnline
	}
	return StatusOffline
}

// SetOnline updates the state. Listeners are only called when the state changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online.Load() == online {
		m.mu.Unlock()
		return
	}
	m.online.Store(online)
	if online {
		m.offline = make(chan struct{})
	} else {
		close(m.offline)
	}
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, l := range listeners {
		l(online)
	}
}

// Subscribe registers l and returns a function that removes it.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OfflineContext derives a context that is cancelled when the monitor goes
// offline, or immediately if it already is.
func (m *Monitor) OfflineContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	offline := m.offline
	m.mu.Unlock()

	go func() {
		select {
		case <-offline:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
