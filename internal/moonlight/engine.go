package moonlight

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fostrom-dev/fostrom-agent/internal/creds"
)

// EventKind enumerates what drove one iteration of the engine's loop.
type EventKind int

const (
	EvTransportRecv EventKind = iota
	EvTransportClose
	EvHeartbeatTick
	EvRefresh
	EvCmd
)

// Event is the single type flowing through the engine's event queue; it is
// produced by the transport, the timer, and SendCmd callers, and consumed
// exclusively by the engine goroutine.
type Event struct {
	Kind     EventKind
	Recv     []byte
	CloseErr error
	cmd      *cmdEnvelope
}

// Cmd is implemented by the three command kinds a caller may submit.
type Cmd interface{ isCmd() }

// SendPulseCmd publishes a device-to-server pulse.
type SendPulseCmd struct {
	Type    PulseType
	Name    string
	Payload any // marshaled to JSON; nil means an empty payload
}

func (SendPulseCmd) isCmd() {}

// MailboxNextCmd requests the next mailbox item.
type MailboxNextCmd struct {
	HeaderOnly bool
}

func (MailboxNextCmd) isCmd() {}

// MailOpCmd acknowledges, rejects, or requeues a mail item.
type MailOpCmd struct {
	AckType MailAckType
	PulseID uint64
}

func (MailOpCmd) isCmd() {}

type cmdEnvelope struct {
	cmd   Cmd
	reply chan Reply
}

// ReplyKind enumerates the shapes a Reply can take.
type ReplyKind int

const (
	ReplyOk ReplyKind = iota
	ReplyErr
	ReplyTimeout
	ReplyMail
	ReplyMailAckSuccessful
)

// Reply is delivered exactly once to a command's reply channel.
type Reply struct {
	Kind          ReplyKind
	Err           error
	Mail          *Mail // set when Kind == ReplyMail; nil means "mailbox empty"
	MoreAvailable bool  // set when Kind == ReplyMailAckSuccessful
}

// NotificationSink receives best-effort (event_name, data) pairs emitted by
// the engine. Implementations must not block meaningfully; a slow or
// disappeared subscriber must never stall the engine.
type NotificationSink interface {
	Notify(event, data string)
}

type noopSink struct{}

func (noopSink) Notify(string, string) {}

type pendingEntry struct {
	createdAt time.Time
	reply     chan Reply
}

func deliver(ch chan Reply, r Reply) {
	select {
	case ch <- r:
	default:
	}
}

// Engine is the single-threaded session state machine: it owns the codec
// buffer, the pending-transaction tables, and the authenticated flag, and
// mutates all three only while processing one Event at a time.
type Engine struct {
	creds     *creds.Creds
	codec     *Codec
	transport *Transport
	sink      NotificationSink
	log       *logrus.Entry

	events         chan Event
	heartbeatAckCh chan struct{}

	nextTxnID   uint64
	pending     map[uint64]*pendingEntry // keyed by txn_id (Pulse/MailboxNext)
	pendingMail map[uint64]*pendingEntry // keyed by target pulse_id (MailOp)

	authenticated bool
}

// NewEngine constructs an Engine bound to one transport for one session.
// events is the same channel the transport was constructed with, so that
// the engine observes transport-posted Events alongside the timer's and
// its own callers'.
func NewEngine(c *creds.Creds, transport *Transport, events chan Event, sink NotificationSink, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if events == nil {
		events = make(chan Event, 64)
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Engine{
		creds:          c,
		codec:          NewCodec(),
		transport:      transport,
		sink:           sink,
		log:            log.WithField("component", "engine"),
		events:         events,
		heartbeatAckCh: make(chan struct{}, 1),
		pending:        make(map[uint64]*pendingEntry),
		pendingMail:    make(map[uint64]*pendingEntry),
	}
}

// EventSender exposes the send side of the event queue to the transport
// and timer goroutines.
func (e *Engine) EventSender() chan<- Event { return e.events }

// HeartbeatAckSignal is read (non-blockingly) by the timer to learn that a
// HeartbeatAck has arrived since the last check.
func (e *Engine) HeartbeatAckSignal() <-chan struct{} { return e.heartbeatAckCh }

// Authenticated reports whether the Connect handshake has succeeded.
func (e *Engine) Authenticated() bool { return e.authenticated }

func (e *Engine) writeFrame(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	if !e.transport.Enqueue(b) {
		return fmt.Errorf("moonlight: transport write queue full")
	}
	return nil
}

// Authenticate runs the authentication phase: it sends Connect and blocks,
// with a 10s deadline, until the first decoded frame (or transport close)
// settles the outcome. On success it also drains and handles any
// additional frames that arrived in the same burst, so the steady-state
// loop starts from a clean slate.
func (e *Engine) Authenticate(ctx context.Context) error {
	connectFrame := Connect{
		KeepAlive:           true,
		ProtocolVersion:     protocolVersion,
		SerializationFormat: serializationFormatJSON,
		FleetID:             e.creds.FleetID,
		DeviceID:            e.creds.DeviceID,
		DeviceSecret:        e.creds.DeviceSecret,
	}
	if err := e.writeFrame(connectFrame); err != nil {
		return &SessionError{Reason: DisconnectForceClose, Detail: err.Error()}
	}

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return &SessionError{Reason: DisconnectForceClose, Detail: "context cancelled during authentication"}
		case <-deadline.C:
			return &SessionError{Reason: DisconnectForceClose, Detail: "authentication timed out"}
		case ev := <-e.events:
			switch ev.Kind {
			case EvTransportRecv:
				e.codec.Feed(ev.Recv)
				frames, err := e.codec.Drain()
				if err != nil {
					return &SessionError{Reason: DisconnectForceClose, Detail: err.Error()}
				}
				if len(frames) == 0 {
					continue
				}
				switch first := frames[0].(type) {
				case Connected:
					e.authenticated = true
					e.sink.Notify("connected", "")
					if first.MailAvailable {
						e.sink.Notify("new_mail", "")
					}
					for _, rest := range frames[1:] {
						if se := e.handleFrame(rest); se != nil {
							return se
						}
					}
					return nil
				case Unauthorized:
					return &SessionError{Reason: DisconnectUnauthorized, UnauthorizedReason: first.Reason}
				case ConnectFailedFrame:
					return &SessionError{Reason: DisconnectConnectFailed, ConnectFailed: first.Reason}
				default:
					return &SessionError{Reason: DisconnectForceClose, Detail: fmt.Sprintf("unexpected frame %T during authentication", first)}
				}
			case EvTransportClose:
				return &SessionError{Reason: DisconnectForceClose, Detail: "transport closed during authentication"}
			default:
				// HeartbeatTick/Refresh/Cmd cannot legitimately arrive before
				// the steady-state loop starts; ignore defensively.
			}
		}
	}
}

// Run is the steady-state loop. It returns the reason the session ended.
func (e *Engine) Run(ctx context.Context) *SessionError {
	for {
		select {
		case <-ctx.Done():
			return &SessionError{Reason: DisconnectForceClose, Detail: "context cancelled"}
		case ev := <-e.events:
			switch ev.Kind {
			case EvTransportRecv:
				e.codec.Feed(ev.Recv)
				frames, decErr := e.codec.Drain()
				for _, f := range frames {
					if se := e.handleFrame(f); se != nil {
						return se
					}
				}
				if decErr != nil {
					return &SessionError{Reason: DisconnectForceClose, Detail: decErr.Error()}
				}
			case EvTransportClose:
				detail := ""
				if ev.CloseErr != nil {
					detail = ev.CloseErr.Error()
				}
				return &SessionError{Reason: DisconnectForceClose, Detail: detail}
			case EvHeartbeatTick:
				if err := e.writeFrame(Heartbeat{}); err != nil {
					return &SessionError{Reason: DisconnectForceClose, Detail: err.Error()}
				}
			case EvRefresh:
				e.sweepTimeouts()
			case EvCmd:
				e.handleCmd(ev.cmd)
			}
		}
	}
}

// handleFrame applies one decoded frame's effect. A non-nil return ends
// the session with that reason.
func (e *Engine) handleFrame(f Frame) *SessionError {
	switch v := f.(type) {
	case CloseConnection:
		if v.ServerInitiated {
			return &SessionError{Reason: NormalDisconnect}
		}
		return &SessionError{Reason: DisconnectForceClose, Detail: "unexpected echoed client close"}
	case Unauthorized:
		return &SessionError{Reason: DisconnectUnauthorized, UnauthorizedReason: v.Reason}
	case ConnectFailedFrame:
		return &SessionError{Reason: DisconnectConnectFailed, ConnectFailed: v.Reason}
	case Connected:
		return &SessionError{Reason: DisconnectForceClose, Detail: "protocol violation: Connected received in steady state"}
	case HeartbeatAck:
		select {
		case e.heartbeatAckCh <- struct{}{}:
		default:
		}
		return nil
	case NewMailEvent:
		e.sink.Notify("new_mail", "")
		return nil
	case PulseResp:
		e.resolvePulse(v)
		return nil
	case AckMailResp:
		e.resolveAckMail(v)
		return nil
	case MailboxNextResp:
		e.resolveMailboxNext(v)
		return nil
	default:
		// Heartbeat/Connect/Pulse/MailboxNext/AckMail are client→server
		// only; an echo of one is not something the server legitimately
		// sends back, so it is silently ignored rather than fatal.
		return nil
	}
}

func (e *Engine) resolvePulse(v PulseResp) {
	entry, ok := e.pending[v.PulseID]
	if !ok {
		return
	}
	delete(e.pending, v.PulseID)
	if v.Successful {
		deliver(entry.reply, Reply{Kind: ReplyOk})
		return
	}
	deliver(entry.reply, Reply{Kind: ReplyErr, Err: &PulseError{Reason: v.ErrorReason}})
}

func (e *Engine) resolveAckMail(v AckMailResp) {
	entry, ok := e.pendingMail[v.PulseID]
	if !ok {
		return
	}
	delete(e.pendingMail, v.PulseID)
	if v.Successful {
		deliver(entry.reply, Reply{Kind: ReplyMailAckSuccessful, MoreAvailable: v.MailboxSize > 0})
		return
	}
	deliver(entry.reply, Reply{Kind: ReplyErr, Err: &MailAckError{PulseID: v.PulseID, AckType: v.AckType}})
}

func (e *Engine) resolveMailboxNext(v MailboxNextResp) {
	entry, ok := e.pending[v.TxnID]
	if !ok {
		return
	}
	delete(e.pending, v.TxnID)
	if !v.Successful {
		deliver(entry.reply, Reply{Kind: ReplyErr, Err: &MailFetchError{TxnID: v.TxnID}})
		return
	}
	if !v.HasMail {
		deliver(entry.reply, Reply{Kind: ReplyMail, Mail: nil})
		return
	}
	mail := &Mail{PulseID: v.PulseID, Name: v.Name, MailboxSize: v.MailboxSize}
	if !v.HeaderOnly && len(v.Payload) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(v.Payload, &parsed); err == nil {
			mail.Payload = parsed
		}
	}
	deliver(entry.reply, Reply{Kind: ReplyMail, Mail: mail})
}

func (e *Engine) handleCmd(env *cmdEnvelope) {
	switch cmd := env.cmd.(type) {
	case SendPulseCmd:
		if len(cmd.Name) > maxNameLen {
			deliver(env.reply, Reply{Kind: ReplyErr, Err: ErrInvalidName})
			return
		}
		txnID, ok := e.allocTxnID(e.pending)
		if !ok {
			deliver(env.reply, Reply{Kind: ReplyErr, Err: ErrTxnExhaustion})
			return
		}
		var payload []byte
		if cmd.Payload != nil {
			b, err := json.Marshal(cmd.Payload)
			if err != nil {
				deliver(env.reply, Reply{Kind: ReplyErr, Err: fmt.Errorf("invalid pulse payload: %w", err)})
				return
			}
			payload = b
		}
		e.pending[txnID] = &pendingEntry{createdAt: time.Now(), reply: env.reply}
		if err := e.writeFrame(Pulse{PulseType: cmd.Type, PulseID: txnID, Name: cmd.Name, Payload: payload}); err != nil {
			delete(e.pending, txnID)
			deliver(env.reply, Reply{Kind: ReplyErr, Err: err})
		}

	case MailboxNextCmd:
		txnID, ok := e.allocTxnID(e.pending)
		if !ok {
			deliver(env.reply, Reply{Kind: ReplyErr, Err: ErrTxnExhaustion})
			return
		}
		e.pending[txnID] = &pendingEntry{createdAt: time.Now(), reply: env.reply}
		if err := e.writeFrame(MailboxNext{HeaderOnly: cmd.HeaderOnly, TxnID: txnID}); err != nil {
			delete(e.pending, txnID)
			deliver(env.reply, Reply{Kind: ReplyErr, Err: err})
		}

	case MailOpCmd:
		if _, exists := e.pendingMail[cmd.PulseID]; exists {
			deliver(env.reply, Reply{Kind: ReplyErr, Err: ErrDuplicateRequest})
			return
		}
		e.pendingMail[cmd.PulseID] = &pendingEntry{createdAt: time.Now(), reply: env.reply}
		if err := e.writeFrame(AckMail{PulseID: cmd.PulseID, AckType: cmd.AckType}); err != nil {
			delete(e.pendingMail, cmd.PulseID)
			deliver(env.reply, Reply{Kind: ReplyErr, Err: err})
		}
	}
}

// allocTxnID returns the next unused id in table, probing up to 3
// successors on collision before failing. The counter wraps naturally on
// uint64 overflow.
func (e *Engine) allocTxnID(table map[uint64]*pendingEntry) (uint64, bool) {
	const maxProbes = 3
	id := e.nextTxnID
	for probe := 0; probe <= maxProbes; probe++ {
		if _, exists := table[id]; !exists {
			e.nextTxnID = id + 1
			return id, true
		}
		id++
	}
	return 0, false
}

func (e *Engine) sweepTimeouts() {
	now := time.Now()
	for id, entry := range e.pending {
		if now.Sub(entry.createdAt) >= 10*time.Second {
			delete(e.pending, id)
			deliver(entry.reply, Reply{Kind: ReplyTimeout})
		}
	}
	for id, entry := range e.pendingMail {
		if now.Sub(entry.createdAt) >= 10*time.Second {
			delete(e.pendingMail, id)
			deliver(entry.reply, Reply{Kind: ReplyTimeout})
		}
	}
}
