package moonlight

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newFastTimer(events chan<- Event, ackSignal <-chan struct{}, requestClose func()) *Timer {
	tm := NewTimer(events, ackSignal, requestClose)
	tm.tickInterval = 5 * time.Millisecond
	tm.livenessTimeout = 50 * time.Millisecond
	tm.heartbeatInterval = 1 * time.Hour
	tm.retryInterval = 1 * time.Hour
	tm.refreshInterval = 1 * time.Hour
	return tm
}

func TestTimerNoAckWithinLivenessTimeoutRequestsClose(t *testing.T) {
	var closed atomic.Bool
	ackSignal := make(chan struct{})
	events := make(chan Event, 16)
	tm := newFastTimer(events, ackSignal, func() { closed.Store(true) })

	go tm.Run()
	defer tm.Stop()

	assert.Eventually(t, closed.Load, time.Second, 2*time.Millisecond)
}

func TestTimerAcksPreventLivenessTimeout(t *testing.T) {
	var closed atomic.Bool
	ackSignal := make(chan struct{}, 1)
	events := make(chan Event, 16)
	tm := newFastTimer(events, ackSignal, func() { closed.Store(true) })

	stopFeeding := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeeding:
				return
			case <-ticker.C:
				select {
				case ackSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	go tm.Run()
	time.Sleep(150 * time.Millisecond)
	close(stopFeeding)
	tm.Stop()

	assert.False(t, closed.Load())
}

func TestTimerSendsHeartbeatAfterInterval(t *testing.T) {
	ackSignal := make(chan struct{})
	events := make(chan Event, 16)
	tm := NewTimer(events, ackSignal, func() {})
	tm.tickInterval = 5 * time.Millisecond
	tm.heartbeatInterval = 20 * time.Millisecond
	tm.livenessTimeout = time.Hour
	tm.refreshInterval = time.Hour

	go tm.Run()
	defer tm.Stop()

	select {
	case ev := <-events:
		assert.Equal(t, EvHeartbeatTick, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat tick event")
	}
}

func TestTimerSendsRefreshAtCadence(t *testing.T) {
	ackSignal := make(chan struct{})
	events := make(chan Event, 16)
	tm := NewTimer(events, ackSignal, func() {})
	tm.tickInterval = 5 * time.Millisecond
	tm.heartbeatInterval = time.Hour
	tm.livenessTimeout = time.Hour
	tm.refreshInterval = 15 * time.Millisecond

	go tm.Run()
	defer tm.Stop()

	select {
	case ev := <-events:
		assert.Equal(t, EvRefresh, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a refresh event")
	}
}

func TestTimerRetriesHeartbeatWhenUnacknowledged(t *testing.T) {
	ackSignal := make(chan struct{})
	events := make(chan Event, 16)
	tm := NewTimer(events, ackSignal, func() {})
	tm.tickInterval = 5 * time.Millisecond
	tm.heartbeatInterval = 20 * time.Millisecond
	tm.retryInterval = 10 * time.Millisecond
	tm.livenessTimeout = time.Hour
	tm.refreshInterval = time.Hour

	go tm.Run()
	defer tm.Stop()

	seen := 0
	deadline := time.After(time.Second)
	for seen < 2 {
		select {
		case ev := <-events:
			if ev.Kind == EvHeartbeatTick {
				seen++
			}
		case <-deadline:
			t.Fatal("expected a retried heartbeat after the first went unacknowledged")
		}
	}
}
