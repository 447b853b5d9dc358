package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fostrom-dev/fostrom-agent/internal/config"
)

const readinessTimeout = 10 * time.Second

func init() {
	startCmd.Flags().BoolVar(&tcpFlag, "tcp", false, "also listen on the loopback TCP control API")
	daemonCmd.Flags().BoolVar(&tcpFlag, "tcp", false, "also listen on the loopback TCP control API")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "daemonize the agent and wait for it to become ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startDaemonized()
	},
}

// daemonCmd is the foreground entry point actually run by start's detached
// child; it is also what process managers (systemd, a container's PID 1)
// should invoke directly.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run the agent as the long-lived foreground session loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUntilSignal(runAgent)
	},
}

// startDaemonized re-executes this binary as "daemon", detached from the
// current terminal, with its stdio redirected into a plain-text log under
// the run directory. It then polls the control API's liveness probe over
// the UNIX socket and reports success once it answers, or kills the child
// and fails if it never does.
func startDaemonized() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if tcpFlag {
		cfg.HTTP.EnableTCPSocket = true
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	if err := os.MkdirAll(cfg.HTTP.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", cfg.HTTP.RunDir, err)
	}
	logPath := filepath.Join(cfg.HTTP.RunDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log %s: %w", logPath, err)
	}
	defer logFile.Close()

	args := []string{"daemon", "--config", configPath}
	if tcpFlag {
		args = append(args, "--tcp")
	}

	child := exec.Command(self, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	if err := waitForReady(cfg.HTTP.SocketPath(), readinessTimeout); err != nil {
		child.Process.Kill()
		child.Process.Wait()
		return fmt.Errorf("daemon did not become ready within %s: %w", readinessTimeout, err)
	}

	fmt.Printf("fostrom-agent daemon started, pid=%d, log=%s\n", child.Process.Pid, logPath)
	return nil
}

// waitForReady polls GET / over the control API's UNIX socket until it
// answers 200 or timeout elapses.
func waitForReady(socketPath string, timeout time.Duration) error {
	client := unixSocketClient(socketPath, 500*time.Millisecond)

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://unix/")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("control api returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("control api did not become ready")
	}
	return lastErr
}

// unixSocketClient builds an http.Client that dials a UNIX-domain socket
// regardless of the host/port in the request URL; callers use a dummy host
// ("unix") purely to satisfy net/http's URL parser.
func unixSocketClient(socketPath string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: timeout,
	}
}
