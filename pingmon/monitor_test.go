package pingmon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_EmitsSuccess(t *testing.T) {
	m := New(Config{Interval: 20 * time.Millisecond}, func(ctx context.Context) error {
		return nil
	}, nil)
	m.Start()
	defer m.Stop()

	select {
	case ev := <-m.Events():
		assert.Equal(t, StatusSuccess, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a success event")
	}
}

func TestMonitor_ReconnectDryRunByDefault(t *testing.T) {
	var reconnected int32
	m := New(Config{Interval: 5 * time.Millisecond, MaxFailedAttempts: 2}, func(ctx context.Context) error {
		return errors.New("down")
	}, func() error {
		atomic.AddInt32(&reconnected, 1)
		return nil
	})
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Status == StatusReconnectDryRun {
				assert.Equal(t, int32(0), atomic.LoadInt32(&reconnected))
				return
			}
		case <-deadline:
			t.Fatal("expected a reconnect-dry-run event")
		}
	}
}

func TestMonitor_ReconnectsWhenPredicateAllows(t *testing.T) {
	var reconnected int32
	m := New(Config{Interval: 5 * time.Millisecond, MaxFailedAttempts: 2, ReconnectIfFailed: func() bool { return true }},
		func(ctx context.Context) error { return errors.New("down") },
		func() error {
			atomic.AddInt32(&reconnected, 1)
			return nil
		})
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Status == StatusReconnect {
				// The event is emitted just before reconnect is called.
				require.Eventually(t, func() bool { return atomic.LoadInt32(&reconnected) >= 1 }, time.Second, time.Millisecond)
				return
			}
		case <-deadline:
			t.Fatal("expected a reconnect event")
		}
	}
}

func TestMonitor_StopDiscardsLateResponse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := New(Config{Interval: time.Hour}, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)
	m.Start()

	<-started
	go func() { close(release) }()
	m.Stop() // must not hang even though the in-flight ping completes after Stop begins

	_, ok := <-m.Events()
	assert.False(t, ok, "events channel must be closed after Stop")
}
