// Package pingmon implements the Ping Monitor: it periodically probes the
// store and, after sustained failure, emits a status event and optionally
// forces a disconnect-and-reconnect. Enabled only for single-node mode.
//
// Grounded on the teacher's internal/healthchecker package, generalized
// from a fixed "try Get" probe to an injectable ping function with typed
// status events and a regenerate-on-stop task id.
package pingmon

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a single ping cycle.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusReconnect
	StatusReconnectDryRun
)

// Event reports the outcome of one ping cycle.
type Event struct {
	Status      Status
	Duration    time.Duration
	Err         error
	FailedPings int
}

// Config configures the monitor.
type Config struct {
	Interval          time.Duration // probe cadence (default 2s)
	PingTimeout       time.Duration // per-probe timeout (default equals Interval)
	MaxFailedAttempts int           // consecutive failures before reacting (default 5)
	// ReconnectIfFailed decides whether sustained failure should force a
	// reconnect. Default: never reconnect (dry-run only).
	ReconnectIfFailed func() bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = c.Interval
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 5
	}
	if c.ReconnectIfFailed == nil {
		c.ReconnectIfFailed = func() bool { return false }
	}
	return c
}

// Monitor runs the ping loop. It must not pile up overlapping probes when
// the store is slow: a new probe is only scheduled once the previous one
// has completed or is considered late-and-discarded.
type Monitor struct {
	cfg       Config
	ping      func(ctx context.Context) error
	reconnect func() error

	events chan Event

	mu          sync.Mutex
	taskID      string
	failedPings int

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a Monitor. ping issues one probe (typically PING against the
// store); reconnect forces the driver to disconnect-and-reconnect.
func New(cfg Config, ping func(ctx context.Context) error, reconnect func() error) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		ping:      ping,
		reconnect: reconnect,
		events:    make(chan Event, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Events returns the monitor's event stream. It is closed once Stop
// returns and the loop has exited.
func (m *Monitor) Events() <-chan Event { return m.events }

// Start begins the background probe loop.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop ends the probe loop. It regenerates the current ping task id first,
// so a probe already in flight has its result discarded rather than acted
// on after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.taskID = uuid.NewString() // invalidate whatever is in flight
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	defer close(m.events)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		taskID := uuid.NewString()
		m.mu.Lock()
		m.taskID = taskID
		m.mu.Unlock()

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingTimeout)
		err := m.ping(ctx)
		cancel()
		duration := time.Since(start)

		m.mu.Lock()
		stale := m.taskID != taskID
		m.mu.Unlock()
		if stale {
			return
		}

		m.handleResult(err, duration)

		select {
		case <-time.After(m.cfg.Interval):
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) handleResult(err error, duration time.Duration) {
	if err == nil {
		m.mu.Lock()
		m.failedPings = 0
		m.mu.Unlock()
		m.emit(Event{Status: StatusSuccess, Duration: duration})
		return
	}

	m.mu.Lock()
	m.failedPings++
	failed := m.failedPings
	m.mu.Unlock()

	m.emit(Event{Status: StatusError, Err: err, Duration: duration, FailedPings: failed})

	if failed < m.cfg.MaxFailedAttempts {
		return
	}

	if !m.cfg.ReconnectIfFailed() {
		m.emit(Event{Status: StatusReconnectDryRun, FailedPings: failed})
		return
	}

	jitter := time.Duration(rand.Float64() * 0.1 * float64(m.cfg.Interval) * float64(m.cfg.MaxFailedAttempts))
	select {
	case <-time.After(jitter):
	case <-m.stopCh:
		return
	}

	m.emit(Event{Status: StatusReconnect, FailedPings: failed})

	if m.reconnect != nil {
		_ = m.reconnect()
	}

	m.mu.Lock()
	m.failedPings = 0
	m.mu.Unlock()
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
