package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fostrom-dev/fostrom-agent/internal/config"
	"github.com/fostrom-dev/fostrom-agent/internal/moonlight"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status JSON instead of a human summary")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report the running agent's session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		client := unixSocketClient(cfg.HTTP.SocketPath(), 3*time.Second)
		resp, err := client.Get("http://unix/status")
		if err != nil {
			return fmt.Errorf("agent not reachable over %s: %w", cfg.HTTP.SocketPath(), err)
		}
		defer resp.Body.Close()

		if statusJSON {
			_, err := io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		}

		var st moonlight.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}

		fmt.Printf("connected:   %v\n", st.Connected)
		fmt.Printf("mode:        %s\n", st.Mode)
		fmt.Printf("fingerprint: %s\n", st.Fingerprint)
		fmt.Printf("pid:         %d\n", st.PID)
		if st.LastError != "" {
			fmt.Printf("last_error:  %s\n", st.LastError)
		}
		return nil
	},
}
