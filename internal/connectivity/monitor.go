// Package connectivity observes network reachability and publishes
// online/offline transition events. Components never talk to the source
// directly: the send path asks the monitor, the outbound queue reacts to
// the bus events it emits.
package connectivity

import (
	"sync"
	"time"

	"github.com/lucasreb/courier/internal/bus"
	"go.uber.org/zap"
)

// State is a reachability snapshot. Online requires both flags: a captive
// portal reports connected but not reachable.
type State struct {
	Connected bool
	Reachable bool
}

// Online reports whether the network is usable.
func (s State) Online() bool {
	return s.Connected && s.Reachable
}

// Source provides reachability state and change callbacks. Implementations
// are external (OS APIs, probes); tests supply fakes.
type Source interface {
	Current() State
	OnChange(fn func(State)) (cancel func())
}

// Monitor tracks the current online state and publishes edge-triggered
// transition events on the bus.
type Monitor struct {
	src    Source
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	online bool
	cancel func()
}

// NewMonitor creates a monitor over the given source.
func NewMonitor(src Source, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{src: src, bus: b, logger: logger}
}

// Start records the current state and begins watching for changes.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.online = m.src.Current().Online()
	m.mu.Unlock()

	m.cancel = m.src.OnChange(m.handle)
}

// Stop detaches from the source.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Online reports the last observed online state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) handle(s State) {
	online := s.Online()

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	kind := "network.offline"
	if online {
		kind = "network.online"
	}
	if m.logger != nil {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: s})
}
