package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fostrom-dev/fostrom-agent/internal/config"
	"github.com/fostrom-dev/fostrom-agent/internal/creds"
	"github.com/fostrom-dev/fostrom-agent/internal/eventlog"
	"github.com/fostrom-dev/fostrom-agent/internal/httpapi"
	"github.com/fostrom-dev/fostrom-agent/internal/moonlight"
	"github.com/fostrom-dev/fostrom-agent/internal/notify"
)

// tcpFlag is shared by the start and daemon subcommands' --tcp flag; it
// forces the local control API's additive TCP listener on regardless of
// what the config file says.
var tcpFlag bool

// acquireInstanceLock takes the single fixed advisory lock for the run
// directory and records this identity's fingerprint in it. A lock held by
// a different fingerprint is reported distinctly from one held by the same
// identity, since the former means a stale or mis-configured daemon is
// already occupying this run directory.
func acquireInstanceLock(lockPath string, c *creds.Creds) (*flock.Flock, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock %s: %w", lockPath, err)
	}
	if !locked {
		existing, _ := os.ReadFile(lockPath)
		running := strings.TrimSpace(string(existing))
		if running != "" && running != c.Fingerprint() {
			return nil, fmt.Errorf("another fostrom-agent is already running with different credentials (lock: %s)", lockPath)
		}
		return nil, fmt.Errorf("another fostrom-agent is already running for this device (lock: %s)", lockPath)
	}
	if err := os.WriteFile(lockPath, []byte(c.Fingerprint()), 0o600); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("record fingerprint in lock %s: %w", lockPath, err)
	}
	return fl, nil
}

// runAgent loads configuration, acquires the single-instance lock for the
// run directory, and runs the session supervisor and control API until ctx
// is cancelled (typically by SIGINT/SIGTERM, or a /stop request).
func runAgent(ctx context.Context) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if tcpFlag {
		cfg.HTTP.EnableTCPSocket = true
	}

	c, err := creds.New(cfg.Identity.FleetID, cfg.Identity.DeviceID, cfg.Identity.DeviceSecret, cfg.Identity.Prod)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	if err := os.MkdirAll(cfg.HTTP.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", cfg.HTTP.RunDir, err)
	}

	lockPath := cfg.HTTP.LockPath()
	fl, err := acquireInstanceLock(lockPath, c)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	pidPath := cfg.HTTP.PIDPath()
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile %s: %w", pidPath, err)
	}
	defer os.Remove(pidPath)

	sessionID := uuid.NewString()
	entry := log.WithFields(log.Fields{
		"session_id":  sessionID,
		"fingerprint": c.Fingerprint()[:12],
	})
	entry.Infof("fostrom-agent starting, mode=%s", cfg.Connect.Mode)

	eventWriter := eventlog.NewWriter(cfg.Logs.Path, cfg.Logs.RetentionDays)
	defer eventWriter.Close()

	hub := notify.NewHub(256)
	sink := notify.Fanout(hub, eventWriter)

	mode := moonlight.ConnectModeProd
	if cfg.Connect.Mode == "local" {
		mode = moonlight.ConnectModeLocal
	}

	sup := moonlight.NewSupervisor(c, mode, cfg.Connect.LocalPort, sink, entry)
	sup.Start(ctx)
	defer sup.Stop()

	api := httpapi.New(cfg.HTTP.SocketPath(), cfg.HTTP.EnableTCPSocket, cfg.HTTP.LocalAPIPort, sup, hub)
	return api.Run(ctx)
}

func runUntilSignal(run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	return run(ctx)
}
