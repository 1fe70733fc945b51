package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/whisper/anygle/loadtest/stats"
)

var saturateCmd = &cobra.Command{
	Use:   "saturate",
	Short: "Open N idle connections, hold them, and count drops",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rc := rampFlags(cmd)
		n, _ := cmd.Flags().GetInt("connections")
		hold, _ := cmd.Flags().GetDuration("hold")
		if n <= 0 {
			return errors.New("connections must be positive")
		}
		runSaturate(rc, n, hold)
		return nil
	},
}

func init() {
	saturateCmd.Flags().Int("connections", 1000, "number of connections to open")
	saturateCmd.Flags().Duration("hold", 30*time.Second, "hold duration once all connections are open")
}

func runSaturate(rc rampConfig, n int, hold time.Duration) {
	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		n, rc.url, rc.ramp, hold, rc.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients := rampUp(ctx, rc, n, collector)
	fmt.Printf("Opened %d/%d connections in %s (%d errors)\n",
		len(clients), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Printf("\n--- Hold phase (%s) ---\n", hold)
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			fmt.Println("Interrupted during hold.")
		}
	}

	dropped := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			dropped++
		default:
		}
	}
	fmt.Printf("Dropped during hold: %d\n", dropped)

	closeAll(clients)
	collector.Report(os.Stdout)
}
