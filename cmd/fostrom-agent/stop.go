package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fostrom-dev/fostrom-agent/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		socketPath := cfg.HTTP.SocketPath()
		if _, err := os.Stat(socketPath); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("fostrom-agent is not running (no control socket found)")
				return nil
			}
			return fmt.Errorf("stat socket %s: %w", socketPath, err)
		}

		client := unixSocketClient(socketPath, 5*time.Second)
		resp, err := client.Post("http://unix/stop", "application/json", nil)
		if err != nil {
			if isConnRefusedOrGone(err) {
				fmt.Println("fostrom-agent is not running (control socket present but unreachable)")
				return nil
			}
			return fmt.Errorf("post /stop over %s: %w", socketPath, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			return fmt.Errorf("stop request failed: status %d", resp.StatusCode)
		}

		fmt.Println("fostrom-agent stopped")
		return nil
	},
}

func isConnRefusedOrGone(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED) || errors.Is(opErr.Err, syscall.ENOENT)
	}
	return false
}
