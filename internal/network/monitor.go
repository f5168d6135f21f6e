// Package network tracks online/offline state and connection quality.
// Passive signals (OS callbacks, app lifecycle) are unreliable on their
// own, so the monitor also probes the remote authority actively and
// treats probe failure as offline regardless of what the device reports.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
)

// Prober performs the active connectivity check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// Listener is notified on every status transition. Listeners must not
// block; a panicking listener is isolated from the monitor.
type Listener func(status models.NetworkStatus)

// TickerFactory builds the periodic trigger for the probe loop. Tests
// inject a manual channel so no real time passes.
type TickerFactory func(interval time.Duration) (<-chan time.Time, func())

// Config holds monitor configuration.
type Config struct {
	ProbeInterval time.Duration // default 30s
	ProbeTimeout  time.Duration // default 8s
	NewTicker     TickerFactory // default time.NewTicker
}

// Monitor tracks connectivity. Construct one per process and share it;
// the type itself holds no global state.
type Monitor struct {
	prober        Prober
	probeInterval time.Duration
	probeTimeout  time.Duration
	newTicker     TickerFactory
	logger        *logging.Logger

	mu            sync.RWMutex
	passiveOnline bool
	probeOK       bool
	status        models.NetworkStatus
	listeners     map[int]Listener
	nextListener  int
}

// NewMonitor creates a Monitor. The prober is typically the remote
// client's Ping.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 8 * time.Second
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(interval time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(interval)
			return t.C, t.Stop
		}
	}

	return &Monitor{
		prober:        prober,
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
		newTicker:     cfg.NewTicker,
		logger:        logging.Get().Component("network"),
		passiveOnline: true,
		probeOK:       true,
		status:        models.NetworkStatus{IsOnline: true},
		listeners:     make(map[int]Listener),
	}
}

// Status returns the current network status. No side effects.
func (m *Monitor) Status() models.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether the remote authority is believed reachable.
func (m *Monitor) IsOnline() bool {
	return m.Status().IsOnline
}

// IsSlowConnection reports whether the effective bandwidth class is
// degraded. The orchestrator shrinks batches on slow links.
func (m *Monitor) IsSlowConnection() bool {
	return m.Status().Slow()
}

// Subscribe registers a listener for status transitions and returns its
// unsubscribe function.
func (m *Monitor) Subscribe(listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetPassiveStatus feeds a passive connectivity signal into the monitor,
// e.g. an OS reachability callback. Connection metadata is recorded even
// when the online verdict is overridden by a failed probe.
func (m *Monitor) SetPassiveStatus(status models.NetworkStatus) {
	m.mu.Lock()
	m.passiveOnline = status.IsOnline
	m.status.ConnectionType = status.ConnectionType
	m.status.EffectiveType = status.EffectiveType
	m.status.DownlinkMbps = status.DownlinkMbps
	m.status.RTTMillis = status.RTTMillis
	m.mu.Unlock()

	m.recompute()
}

// Run probes periodically until the context is cancelled. An immediate
// probe runs before the first tick.
func (m *Monitor) Run(ctx context.Context) {
	tick, stop := m.newTicker(m.probeInterval)
	defer stop()

	m.ProbeNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.ProbeNow(ctx)
		}
	}
}

// ProbeNow performs one active probe with a bounded timeout and updates
// the status. Returns the resulting online verdict.
func (m *Monitor) ProbeNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)

	m.mu.Lock()
	m.probeOK = err == nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("Connectivity probe failed",
			map[string]interface{}{"error": err.Error()})
	}

	return m.recompute()
}

// recompute derives the effective online state and fires listeners on
// transition. Online requires both the passive signal and the last probe
// to agree.
func (m *Monitor) recompute() bool {
	m.mu.Lock()

	online := m.passiveOnline && m.probeOK
	transitioned := m.status.IsOnline != online
	m.status.IsOnline = online
	m.status.CheckedAt = time.Now().UnixMilli()
	status := m.status

	var listeners []Listener
	if transitioned {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	if transitioned {
		m.logger.Info("Network status changed",
			map[string]interface{}{"is_online": online})
		for _, l := range listeners {
			m.dispatch(l, status)
		}
	}

	return online
}

// dispatch invokes one listener, swallowing panics so a broken listener
// cannot break the monitor.
func (m *Monitor) dispatch(listener Listener, status models.NetworkStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Network listener panicked",
				map[string]interface{}{"panic": r})
		}
	}()
	listener(status)
}
