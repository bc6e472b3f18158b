// Package netmon tracks whether the mail backend is reachable and
// publishes every transition on the event bus.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/remote"
)

// Monitor holds the current availability verdict. It starts offline until
// a probe or a successful request says otherwise.
type Monitor struct {
	prober   remote.Prober
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration

	mu     sync.RWMutex
	online bool

	kick chan struct{}
}

// New creates a monitor that probes through prober every interval.
func New(prober remote.Prober, bus *events.Bus, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Monitor{
		prober:   prober,
		bus:      bus,
		interval: interval,
		timeout:  timeout,
		kick:     make(chan struct{}, 1),
	}
}

// Online reports the current verdict.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.online
}

// SetOnline applies an external hint, such as an OS connectivity change.
// Going online also schedules an immediate probe to confirm it.
func (m *Monitor) SetOnline(online bool) {
	m.set(online, "hint")
	if online {
		m.Probe()
	}
}

// ReportFailure lets request paths feed their errors back. Only network
// failures flip the verdict.
func (m *Monitor) ReportFailure(err error) {
	if remote.IsNetwork(err) {
		m.set(false, "request failed")
	}
}

// ReportSuccess records that a request reached the backend.
func (m *Monitor) ReportSuccess() {
	m.set(true, "request succeeded")
}

// Probe asks Run to probe now rather than at the next interval.
func (m *Monitor) Probe() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.kick:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(pctx)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		logrus.WithError(err).Debug("Backend probe failed")
		m.set(false, "probe failed")
		return
	}
	m.set(true, "probe succeeded")
}

// set records the verdict and publishes on change.
func (m *Monitor) set(online bool, reason string) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	logrus.WithFields(logrus.Fields{
		"online": online,
		"reason": reason,
	}).Debug("Network status changed")

	if m.bus != nil {
		m.bus.Publish(events.NetworkStatusChanged{Online: online})
	}
}
