// Command loadtest drives simulated users against a running wsserver.
//
//	loadtest saturate  opens N idle connections and holds them
//	loadtest match     joins pairs of users and relays messages between them
//
// The server limits upgrades per client IP; run the target with
// --connect-limit=false when driving more than a handful of users from one
// host.
package main

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/anygle/loadtest/client"
	"github.com/whisper/anygle/loadtest/stats"
)

var rootCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Load generator for the anygle WebSocket edge",
}

func init() {
	rootCmd.PersistentFlags().String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	rootCmd.PersistentFlags().Duration("ramp", 10*time.Second, "ramp-up duration for connection creation")
	rootCmd.PersistentFlags().Int("concurrency", 50, "maximum simultaneous connection attempts")
	rootCmd.AddCommand(saturateCmd, matchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// rampConfig is shared by the subcommands that open many connections.
type rampConfig struct {
	url         string
	ramp        time.Duration
	concurrency int
}

func rampFlags(cmd *cobra.Command) rampConfig {
	f := cmd.Flags()
	var rc rampConfig
	rc.url, _ = f.GetString("url")
	rc.ramp, _ = f.GetDuration("ramp")
	rc.concurrency, _ = f.GetInt("concurrency")
	if rc.concurrency <= 0 {
		rc.concurrency = 1
	}
	return rc
}

// rampUp opens n connections spread over rc.ramp with at most
// rc.concurrency dials in flight. Failed dials are counted on collector.
// It returns the clients that reached connected, in no particular order.
func rampUp(ctx context.Context, rc rampConfig, n int, collector *stats.Collector) []*client.Client {
	interval := rc.ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, rc.concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.Dial(dctx, rc.url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitConnected(dctx); err != nil {
				collector.AddError()
				_ = c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}
