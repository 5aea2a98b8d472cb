package ratelimit

import (
	"time"

	"github.com/tbucket/ratelimit/pingmon"
	"github.com/tbucket/ratelimit/store"
)

// EventKind is the closed set of lifecycle statuses a Limiter emits,
// replacing the named-event-emitter surface of the original design with a
// typed stream (spec §6 "Observability events", §9 design notes).
type EventKind int

const (
	EventReady EventKind = iota
	EventError
	EventNodeError
	EventPing
)

// PingStatus mirrors pingmon.Status for callers who only import the root
// package.
type PingStatus int

const (
	PingSuccess PingStatus = iota
	PingError
	PingReconnect
	PingReconnectDryRun
)

// Event is a single lifecycle status emitted by the Limiter.
type Event struct {
	Kind EventKind

	Err  error  // populated for EventError, EventNodeError
	Node string // populated for EventNodeError

	PingStatus   PingStatus    // populated for EventPing
	PingDuration time.Duration // populated for EventPing
	FailedPings  int           // populated for EventPing
}

// Events returns the Limiter's lifecycle event stream.
func (l *Limiter) Events() <-chan Event {
	return l.events
}

func (l *Limiter) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
	}
}

// forwardStoreEvents relays the store driver's events onto the Limiter's
// own event stream until the driver closes its channel.
func (l *Limiter) forwardStoreEvents() {
	for ev := range l.store.Events() {
		switch ev.Kind {
		case store.Ready:
			l.emit(Event{Kind: EventReady})
		case store.TransportError:
			l.emit(Event{Kind: EventError, Err: ev.Err})
		case store.NodeError:
			l.emit(Event{Kind: EventNodeError, Err: ev.Err, Node: ev.Node})
		case store.Closed:
			return
		}
	}
}

// forwardPingEvents relays the ping monitor's events onto the Limiter's
// own event stream until the monitor closes its channel.
func (l *Limiter) forwardPingEvents() {
	for ev := range l.pingMon.Events() {
		status := PingSuccess
		switch ev.Status {
		case pingmon.StatusError:
			status = PingError
		case pingmon.StatusReconnect:
			status = PingReconnect
		case pingmon.StatusReconnectDryRun:
			status = PingReconnectDryRun
		}
		l.emit(Event{
			Kind:         EventPing,
			Err:          ev.Err,
			PingStatus:   status,
			PingDuration: ev.Duration,
			FailedPings:  ev.FailedPings,
		})
	}
}
