// Package connectivity tracks whether the remote sink is reachable,
// approximated by host network-interface state. It is the single source of
// truth for online/offline across the app.
package connectivity

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// Prober reports the instantaneous network state
type Prober interface {
	Online() bool
}

// InterfaceProber considers the host online when any non-loopback interface
// is up with an address assigned.
type InterfaceProber struct{}

// Online reports whether a usable network interface exists
func (p *InterfaceProber) Online() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Monitor polls a Prober and notifies listeners of Online/Offline
// transitions. Transitions are debounced: an observed change must hold for
// the debounce window before it commits, so brief flapping does not fire a
// sync run per flap.
type Monitor struct {
	prober   Prober
	interval time.Duration
	debounce time.Duration
	now      func() time.Time

	mu             sync.Mutex
	online         bool
	candidate      bool
	candidateSince time.Time
	listeners      []func(online bool)

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a Monitor over the given prober. The initial state is
// probed immediately so IsOnline is meaningful before the first poll.
func NewMonitor(prober Prober, interval, debounce time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		debounce: debounce,
		now:      time.Now,
		online:   prober.Online(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// IsOnline returns the last committed state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for committed transitions. Must be called
// before Start.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start begins polling in a background goroutine
func (m *Monitor) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.poll()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop stops polling and waits for the poll loop to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// poll observes the prober and commits a transition once the observed state
// has been stable for the debounce window.
func (m *Monitor) poll() {
	observed := m.prober.Online()

	m.mu.Lock()
	if observed == m.online {
		m.candidateSince = time.Time{}
		m.mu.Unlock()
		return
	}

	now := m.now()
	if m.candidateSince.IsZero() || m.candidate != observed {
		m.candidate = observed
		m.candidateSince = now
	}
	if now.Sub(m.candidateSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	m.online = observed
	m.candidateSince = time.Time{}
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if observed {
		slog.Info("Connection restored")
	} else {
		slog.Info("Connection lost")
	}
	for _, fn := range listeners {
		fn(observed)
	}
}
