package moonlight

import "time"

// Timer drives the three time-based concerns of a session on a single
// goroutine: heartbeat send/retry, liveness enforcement, and the periodic
// Refresh sweep that expires stale transactions. It never touches engine
// state directly — it only posts Events and, on a liveness failure, asks
// the transport to close.
type Timer struct {
	events      chan<- Event
	ackSignal   <-chan struct{}
	requestClose func()

	tickInterval      time.Duration
	heartbeatInterval time.Duration
	retryInterval     time.Duration
	livenessTimeout   time.Duration
	refreshInterval   time.Duration

	stop chan struct{}
}

// NewTimer builds a Timer with the production intervals: a 100ms tick, a
// 30s heartbeat cadence, a 5s retry once a heartbeat goes unacknowledged,
// a 90s liveness ceiling, and a 500ms Refresh cadence.
func NewTimer(events chan<- Event, ackSignal <-chan struct{}, requestClose func()) *Timer {
	return &Timer{
		events:            events,
		ackSignal:         ackSignal,
		requestClose:      requestClose,
		tickInterval:      100 * time.Millisecond,
		heartbeatInterval: 30 * time.Second,
		retryInterval:     5 * time.Second,
		livenessTimeout:   90 * time.Second,
		refreshInterval:   500 * time.Millisecond,
		stop:              make(chan struct{}),
	}
}

// Stop ends the Run loop. It must be called at most once.
func (t *Timer) Stop() {
	close(t.stop)
}

// Run blocks until Stop is called. It should be run on its own goroutine
// for the lifetime of one session.
func (t *Timer) Run() {
	now := time.Now()
	lastHeartbeatSent := now
	lastAckSeen := now
	lastRefreshSent := now
	awaitingAck := false
	closeRequested := false

	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case tick := <-ticker.C:
		drainAcks:
			for {
				select {
				case <-t.ackSignal:
					lastAckSeen = tick
					awaitingAck = false
				default:
					break drainAcks
				}
			}

			if closeRequested {
				continue
			}

			if tick.Sub(lastAckSeen) >= t.livenessTimeout {
				closeRequested = true
				t.requestClose()
				continue
			}

			heartbeatDue := tick.Sub(lastHeartbeatSent) >= t.heartbeatInterval
			retryDue := awaitingAck && tick.Sub(lastHeartbeatSent) >= t.retryInterval
			if heartbeatDue || retryDue {
				t.postNonBlocking(Event{Kind: EvHeartbeatTick})
				lastHeartbeatSent = tick
				awaitingAck = true
			}

			if tick.Sub(lastRefreshSent) >= t.refreshInterval {
				t.postNonBlocking(Event{Kind: EvRefresh})
				lastRefreshSent = tick
			}
		}
	}
}

func (t *Timer) postNonBlocking(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}
