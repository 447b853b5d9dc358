package moonlight

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectMode selects how Transport reaches the fleet service.
type ConnectMode int

const (
	// ConnectModeProd dials the fixed production hostname over TLS, using
	// only the two pinned root certificates as trust anchors.
	ConnectModeProd ConnectMode = iota
	// ConnectModeLocal dials a plain TCP loopback endpoint, for development.
	ConnectModeLocal
)

func (m ConnectMode) String() string {
	if m == ConnectModeProd {
		return "prod"
	}
	return "local"
}

// TransportConfig parameterizes Transport dialing and socket tuning.
type TransportConfig struct {
	Mode ConnectMode
	// LocalPort is used only when Mode == ConnectModeLocal.
	LocalPort int
	// WriteTimeout bounds a single write attempt. The wire contract asks
	// for at most 2s; this is the implementation's default.
	WriteTimeout time.Duration
	// DialTimeout bounds establishing the underlying connection (and, for
	// prod mode, the TLS handshake).
	DialTimeout time.Duration
	// WriteStallTimeout is how long an item may sit unsent in the outbound
	// queue before the transport declares the connection dead.
	WriteStallTimeout time.Duration
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteStallTimeout <= 0 {
		c.WriteStallTimeout = 10 * time.Second
	}
	return c
}

const readBudget = 50 * time.Millisecond
const readChunkSize = 8 * 1024

// dial opens the underlying connection for the given config.
func dial(ctx context.Context, cfg TransportConfig) (net.Conn, error) {
	switch cfg.Mode {
	case ConnectModeProd:
		tlsCfg, err := newPinnedTLSConfig()
		if err != nil {
			return nil, err
		}
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		raw, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ProductionHost, ProductionPort))
		if err != nil {
			return nil, fmt.Errorf("moonlight: dial prod endpoint: %w", err)
		}
		setSocketTuning(raw)
		tlsConn := tls.Client(raw, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("moonlight: tls handshake: %w", err)
		}
		return tlsConn, nil

	case ConnectModeLocal:
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", cfg.LocalPort))
		if err != nil {
			return nil, fmt.Errorf("moonlight: dial local endpoint: %w", err)
		}
		setSocketTuning(conn)
		return conn, nil

	default:
		return nil, fmt.Errorf("moonlight: unknown connect mode %d", cfg.Mode)
	}
}

// DialRaw opens the underlying connection for cfg and returns it without
// wrapping it in a Transport. Used by standalone connectivity checks that
// want to drive the handshake and initial frames by hand.
func DialRaw(ctx context.Context, cfg TransportConfig) (net.Conn, error) {
	return dial(ctx, cfg.withDefaults())
}

func setSocketTuning(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

// Transport owns one connection for a session and shuttles bytes between
// the engine and the network. It runs its loop on its own goroutine and
// communicates exclusively through channels and the shared Event stream.
type Transport struct {
	conn     net.Conn
	cfg      TransportConfig
	events   chan<- Event
	writeCh  chan []byte
	shutdown atomic.Bool
	log      *logrus.Entry
}

// NewTransport wraps an already-dialed connection. events receives
// TransportRecv/TransportClose as the loop runs.
func NewTransport(conn net.Conn, cfg TransportConfig, events chan<- Event, log *logrus.Entry) *Transport {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		conn:    conn,
		cfg:     cfg,
		events:  events,
		writeCh: make(chan []byte, 256),
		log:     log.WithField("component", "transport"),
	}
}

// Enqueue queues bytes for writing. It never blocks the caller beyond the
// channel buffer; a full queue indicates a badly stalled connection and the
// caller should treat the session as effectively dead.
func (t *Transport) Enqueue(b []byte) bool {
	select {
	case t.writeCh <- b:
		return true
	default:
		t.log.Warn("write queue full, dropping session")
		return false
	}
}

// RequestClose asks the loop to exit on its next iteration.
func (t *Transport) RequestClose() {
	t.shutdown.Store(true)
}

// Run drives the transport loop until the shutdown flag is set or the
// connection ends, then closes the connection and emits exactly one
// TransportClose event.
func (t *Transport) Run() {
	var closeErr error
	pendingSince := time.Time{}

	buf := make([]byte, readChunkSize)

loop:
	for {
		if t.shutdown.Load() {
			break
		}

		// 1. Non-blocking drain of the outbound queue.
	drainWrites:
		for {
			select {
			case b, ok := <-t.writeCh:
				if !ok {
					break drainWrites
				}
				if pendingSince.IsZero() {
					pendingSince = time.Now()
				}
				t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
				if _, err := t.conn.Write(b); err != nil {
					if isTimeout(err) {
						if time.Since(pendingSince) >= t.cfg.WriteStallTimeout {
							closeErr = fmt.Errorf("moonlight: outbound queue stalled for %s", t.cfg.WriteStallTimeout)
							break loop
						}
						break drainWrites
					}
					closeErr = fmt.Errorf("moonlight: write failed: %w", err)
					break loop
				}
				pendingSince = time.Time{}
			default:
				break drainWrites
			}
		}

		// 2. One read attempt bounded by the read budget.
		t.conn.SetReadDeadline(time.Now().Add(readBudget))
		n, err := t.conn.Read(buf)
		if n == 0 && err != nil {
			if isTimeout(err) {
				continue
			}
			if err == io.EOF {
				closeErr = fmt.Errorf("moonlight: connection terminated by server")
			} else {
				closeErr = fmt.Errorf("moonlight: read failed: %w", err)
			}
			break loop
		}
		if n > 0 {
			recv := make([]byte, n)
			copy(recv, buf[:n])
			t.events <- Event{Kind: EvTransportRecv, Recv: recv}
		}
	}

	t.conn.Close()
	t.events <- Event{Kind: EvTransportClose, CloseErr: closeErr}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
