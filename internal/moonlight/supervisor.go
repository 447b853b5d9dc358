package moonlight

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fostrom-dev/fostrom-agent/internal/creds"
)

var backoffSchedule = []time.Duration{
	1 * time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

const unauthorizedBackoff = 5 * time.Minute

// Status is a point-in-time snapshot of the supervisor's session state,
// suitable for JSON-encoding onto the local status endpoint.
type Status struct {
	Connected   bool      `json:"connected"`
	Mode        string    `json:"mode"`
	Fingerprint string    `json:"fingerprint"`
	PID         int       `json:"pid"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Supervisor owns the reconnect lifecycle: it repeatedly dials, runs one
// session to completion, and decides how long to wait before trying
// again based on how that session ended. Exactly one session's transport,
// engine, and timer are alive at a time.
type Supervisor struct {
	creds     *creds.Creds
	mode      ConnectMode
	localPort int
	sink      NotificationSink
	log       *logrus.Entry

	mu          sync.Mutex
	engine      *Engine
	connected   bool
	connectedAt time.Time
	lastError   string

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSupervisor builds a Supervisor for the given identity and transport
// mode. sink receives connected/disconnected/new_mail notifications for
// the lifetime of the process.
func NewSupervisor(c *creds.Creds, mode ConnectMode, localPort int, sink NotificationSink, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		creds:     c,
		mode:      mode,
		localPort: localPort,
		sink:      sink,
		log:       log.WithField("component", "supervisor"),
	}
}

// Start launches the reconnect loop on its own goroutine. It is safe to
// call Stop to end it; it must not be called twice.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.runLoop(runCtx)
	}()
}

// Stop ends the reconnect loop and waits for the current session, if any,
// to tear down.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Supervisor) runLoop(ctx context.Context) {
	delay := time.Duration(0)
	backoffIdx := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		prevConnectedAt := s.connectedAt
		s.mu.Unlock()

		sessionErr := s.runOneSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if sessionErr == nil {
			delay = 0
			backoffIdx = -1
			continue
		}

		// A session that authenticated resets the schedule.
		s.mu.Lock()
		authenticated := !s.connectedAt.Equal(prevConnectedAt)
		s.mu.Unlock()
		if authenticated {
			backoffIdx = -1
		}

		switch sessionErr.Reason {
		case NormalDisconnect:
			delay = 0
			backoffIdx = -1
		case DisconnectUnauthorized:
			delay = unauthorizedBackoff
			backoffIdx = -1
		default:
			delay = backoffAt(backoffIdx)
			backoffIdx++
		}

		s.recordDisconnect(sessionErr, delay)
	}
}

func backoffAt(idx int) time.Duration {
	if idx < 0 {
		return 0
	}
	if idx >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[idx]
}

// runOneSession dials, authenticates, and runs one session to completion,
// returning the reason it ended. The returned reason is never nil.
func (s *Supervisor) runOneSession(ctx context.Context) *SessionError {
	cfg := TransportConfig{Mode: s.mode, LocalPort: s.localPort}.withDefaults()
	conn, err := dial(ctx, cfg)
	if err != nil {
		s.log.WithError(err).Warn("dial failed")
		return &SessionError{Reason: DisconnectForceClose, Detail: err.Error()}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, 64)
	transport := NewTransport(conn, cfg, events, s.log)
	engine := NewEngine(s.creds, transport, events, s.sink, s.log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		transport.Run()
	}()

	authErr := engine.Authenticate(sessionCtx)
	if authErr != nil {
		transport.RequestClose()
		wg.Wait()
		var se *SessionError
		if asSessionError(authErr, &se) {
			return se
		}
		return &SessionError{Reason: DisconnectForceClose, Detail: authErr.Error()}
	}

	s.mu.Lock()
	s.engine = engine
	s.connected = true
	s.connectedAt = time.Now()
	s.mu.Unlock()

	timer := NewTimer(events, engine.HeartbeatAckSignal(), transport.RequestClose)
	go timer.Run()

	se := engine.Run(sessionCtx)

	timer.Stop()
	transport.RequestClose()
	wg.Wait()

	s.mu.Lock()
	s.engine = nil
	s.connected = false
	s.mu.Unlock()

	return se
}

func asSessionError(err error, target **SessionError) bool {
	se, ok := err.(*SessionError)
	if ok {
		*target = se
	}
	return ok
}

func (s *Supervisor) recordDisconnect(se *SessionError, reconnectIn time.Duration) {
	s.mu.Lock()
	s.lastError = se.Error()
	s.mu.Unlock()
	data := fmt.Sprintf(`{"error":%q,"reconnecting_in_ms":%d}`, se.Error(), reconnectIn.Milliseconds())
	if s.sink != nil {
		s.sink.Notify("disconnected", data)
	}
}

// SendCmd submits a command to the active session's engine and waits up
// to timeout for its reply. It fails fast, without touching the network,
// when no session is currently authenticated.
func (s *Supervisor) SendCmd(cmd Cmd, timeout time.Duration) (Reply, error) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil || !engine.Authenticated() {
		return Reply{}, ErrMailboxWriteFailed
	}

	reply := make(chan Reply, 1)
	env := &cmdEnvelope{cmd: cmd, reply: reply}
	select {
	case engine.EventSender() <- Event{Kind: EvCmd, cmd: env}:
	default:
		return Reply{}, ErrMailboxWriteFailed
	}

	select {
	case r := <-reply:
		return r, nil
	case <-time.After(timeout):
		return Reply{Kind: ReplyTimeout}, nil
	}
}

// Status reports the current connection state for the local status API.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:   s.connected,
		Mode:        s.mode.String(),
		Fingerprint: s.creds.Fingerprint(),
		PID:         os.Getpid(),
		LastError:   s.lastError,
		ConnectedAt: s.connectedAt,
	}
}
