// Package reachability watches connectivity to the remote backend and reports
// offline to online transitions once they have settled.
package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/pos_sync/config"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Every is the probe interval while the state is stable.
	Every time.Duration
	// Settle is how long a new observation must hold before it is acted on.
	Settle time.Duration
	// OnReconnect runs once per settled offline to online transition.
	OnReconnect func()
	// OnDisconnect runs once per settled online to offline transition.
	OnDisconnect func()
	Logger       *logrus.Logger
	Now          func() time.Time
}

type Monitor struct {
	probe Probe
	opts  Options

	mu         sync.Mutex
	online     bool
	observed   bool
	observedAt time.Time
	checkedAt  time.Time
	reconnects int
	lastErr    string

	wake chan struct{}
}

func NewMonitor(probe Probe, opts Options) *Monitor {
	if opts.Every <= 0 {
		opts.Every = 5 * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = 1500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{probe: probe, opts: opts, wake: make(chan struct{}, 1)}
}

// IsOnline is the settled state. A new monitor is offline until its first
// online observation has settled.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

type Status struct {
	Online     bool      `json:"online"`
	CheckedAt  time.Time `json:"checked_at"`
	Reconnects int       `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Online: m.online, CheckedAt: m.checkedAt, Reconnects: m.reconnects, LastError: m.lastErr}
}

// Report feeds an observation made elsewhere, e.g. a transport error seen by a
// syncer, and makes the run loop re-check after the settle time.
func (m *Monitor) Report(online bool) {
	m.observe(online, m.opts.Now())
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

type transition int

const (
	noTransition transition = iota
	wentOnline
	wentOffline
)

// observe records one observation and settles the state when the observation has
// held for Settle. Flapping restarts the settle window.
func (m *Monitor) observe(online bool, at time.Time) transition {
	m.mu.Lock()
	m.checkedAt = at
	if online != m.observed || m.observedAt.IsZero() {
		m.observed = online
		m.observedAt = at
	}
	var t transition
	if m.observed != m.online && at.Sub(m.observedAt) >= m.opts.Settle {
		m.online = m.observed
		if m.online {
			m.reconnects++
			t = wentOnline
		} else {
			t = wentOffline
		}
	}
	m.mu.Unlock()

	switch t {
	case wentOnline:
		m.opts.Logger.WithField("field", "Reachability").Info("backend reachable")
		if m.opts.OnReconnect != nil {
			m.opts.OnReconnect()
		}
	case wentOffline:
		m.opts.Logger.WithField("field", "Reachability").Warn("backend unreachable")
		if m.opts.OnDisconnect != nil {
			m.opts.OnDisconnect()
		}
	}
	return t
}

// nextCheck is Every when settled, or the rest of the settle window otherwise.
func (m *Monitor) nextCheck(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed == m.online {
		return m.opts.Every
	}
	d := m.opts.Settle - now.Sub(m.observedAt)
	if d < 0 {
		d = 0
	}
	return min(d, m.opts.Every)
}

func (m *Monitor) check(ctx context.Context) {
	err := m.probe.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if err != nil {
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()
	m.observe(err == nil, m.opts.Now())
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.check(ctx)
		t := time.NewTimer(m.nextCheck(m.opts.Now()))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-m.wake:
			t.Stop()
			// let a reported change settle before probing again
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.nextCheck(m.opts.Now())):
			}
		case <-t.C:
		}
	}
}
