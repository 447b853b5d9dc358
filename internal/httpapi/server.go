// Package httpapi exposes the local control API: a small HTTP surface a
// process on the same device uses to publish pulses, drain the mailbox,
// and observe session status without speaking the wire protocol itself.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/fostrom-dev/fostrom-agent/internal/moonlight"
	"github.com/fostrom-dev/fostrom-agent/internal/notify"
)

// Server is the local control API listener. It always serves on a
// UNIX-domain socket; a loopback TCP listener is additive.
type Server struct {
	socketPath string
	enableTCP  bool
	tcpPort    int

	supervisor *moonlight.Supervisor
	hub        *notify.Hub
	cmdTimeout time.Duration

	router *mux.Router

	mu         sync.Mutex
	cancel     context.CancelFunc
	unixServer *http.Server
	tcpServer  *http.Server
}

func New(socketPath string, enableTCP bool, tcpPort int, supervisor *moonlight.Supervisor, hub *notify.Hub) *Server {
	s := &Server{
		socketPath: socketPath,
		enableTCP:  enableTCP,
		tcpPort:    tcpPort,
		supervisor: supervisor,
		hub:        hub,
		cmdTimeout: 10 * time.Second,
		router:     mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/pulse", s.handlePulse).Methods(http.MethodPost)
	s.router.HandleFunc("/mailbox/next", s.handleMailboxNext).Methods(http.MethodPost)
	s.router.HandleFunc("/mailbox/ack", s.handleMailboxAck).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Debug("control api request")
		next.ServeHTTP(w, r)
	})
}

// Run serves the control API until ctx is cancelled or a /stop request is
// handled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("control api: create run dir: %w", err)
	}
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control api: clear stale socket %s: %w", s.socketPath, err)
	}
	unixLn, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control api: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		unixLn.Close()
		return fmt.Errorf("control api: chmod socket %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	s.unixServer = &http.Server{Handler: s.router}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("control api: listening on unix socket %s", s.socketPath)
		if err := s.unixServer.Serve(unixLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control api: unix listener: %w", err)
		}
	}()

	if s.enableTCP {
		tcpLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.tcpPort))
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("control api: listen on tcp port %d: %w", s.tcpPort, err)
		}
		s.tcpServer = &http.Server{Handler: s.router}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("control api: listening on 127.0.0.1:%d", s.tcpPort)
			if err := s.tcpServer.Serve(tcpLn); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("control api: tcp listener: %w", err)
			}
		}()
	}

	go func() {
		<-runCtx.Done()
		log.Info("control api: shutting down")
		s.unixServer.Shutdown(context.Background())
		if s.tcpServer != nil {
			s.tcpServer.Shutdown(context.Background())
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
