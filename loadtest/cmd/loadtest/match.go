package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/loadtest/client"
	"github.com/whisper/anygle/loadtest/stats"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Join pairs of users, wait for matched, and relay messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		var mc matchConfig
		mc.rampConfig = rampFlags(cmd)
		mc.pairs, _ = f.GetInt("pairs")
		mc.messages, _ = f.GetInt("messages")
		mc.timeout, _ = f.GetDuration("match-timeout")
		interests, _ := f.GetString("interests")
		for _, tag := range strings.Split(interests, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				mc.interests = append(mc.interests, tag)
			}
		}
		if mc.pairs <= 0 {
			return errors.New("pairs must be positive")
		}
		runMatch(mc)
		return nil
	},
}

func init() {
	f := matchCmd.Flags()
	f.Int("pairs", 500, "number of user pairs")
	f.Int("messages", 5, "messages each initiator sends once matched")
	f.Duration("match-timeout", 30*time.Second, "how long to wait for every client to be matched")
	f.String("interests", "", "comma-separated interest tags sent with join")
}

type matchConfig struct {
	rampConfig
	pairs     int
	messages  int
	timeout   time.Duration
	interests []string
}

// peer is the per-client state of the match run.
type peer struct {
	c         *client.Client
	joinedAt  time.Time
	matched   chan struct{}
	roomID    string
	initiator bool
}

func (p *peer) isMatched() bool {
	select {
	case <-p.matched:
		return true
	default:
		return false
	}
}

func runMatch(mc matchConfig) {
	total := mc.pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, timeout=%s, interests=%v)\n",
		mc.pairs, total, mc.url, mc.ramp, mc.timeout, mc.interests)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Phase 1: Connect ---")
	clients := rampUp(ctx, mc.rampConfig, total, collector)
	defer closeAll(clients)
	fmt.Printf("Connected %d/%d clients (%d errors)\n", len(clients), total, collector.ErrorCount())
	if ctx.Err() != nil {
		collector.Report(os.Stdout)
		return
	}

	// sentAt maps "roomID/content" to the send time of a relayed message.
	var sentAt sync.Map
	var relayed atomic.Int64

	fmt.Println("\n--- Phase 2: Join ---")
	peers := make([]*peer, len(clients))
	for i, c := range clients {
		p := &peer{c: c, matched: make(chan struct{})}
		peers[i] = p

		var once sync.Once
		c.On(protocol.TypeMatched, func(msg protocol.ServerMessage) {
			m := msg.(protocol.MatchedMsg)
			once.Do(func() {
				p.roomID, p.initiator = m.RoomID, m.IsInitiator
				collector.AddMatch(time.Since(p.joinedAt))
				close(p.matched)
			})
		})
		c.On(protocol.TypeMessage, func(msg protocol.ServerMessage) {
			m := msg.(protocol.ServerChatMsg)
			if m.SenderID == c.UserID() {
				return
			}
			if v, ok := sentAt.LoadAndDelete(m.RoomID + "/" + m.Content); ok {
				collector.AddRelay(time.Since(v.(time.Time)))
				relayed.Add(1)
			}
		})
		c.On(protocol.TypeError, func(msg protocol.ServerMessage) {
			collector.AddError()
		})

		p.joinedAt = time.Now()
		if err := c.Send(protocol.JoinMsg{
			AgeCategory: protocol.AgeAdult,
			Mode:        protocol.ModeText,
			QueueType:   protocol.QueueUnmoderated,
			Interests:   mc.interests,
		}); err != nil {
			collector.AddError()
		}
	}

	deadline := time.NewTimer(mc.timeout)
	defer deadline.Stop()
	expired := false
	unmatched := 0
	for _, p := range peers {
		if !expired {
			select {
			case <-p.matched:
				continue
			case <-deadline.C:
				expired = true
			case <-ctx.Done():
				collector.Report(os.Stdout)
				return
			}
		}
		if !p.isMatched() {
			unmatched++
			collector.AddError()
		}
	}
	fmt.Printf("Matched %d/%d clients (%d unmatched)\n", collector.MatchCount(), len(peers), unmatched)

	if mc.messages > 0 {
		fmt.Println("\n--- Phase 3: Relay ---")
		expected := 0
		for _, p := range peers {
			if !p.isMatched() || !p.initiator {
				continue
			}
			for seq := 0; seq < mc.messages; seq++ {
				content := fmt.Sprintf("load message %d", seq)
				sentAt.Store(p.roomID+"/"+content, time.Now())
				if err := p.c.Send(protocol.ChatMsg{Content: content}); err != nil {
					collector.AddError()
					continue
				}
				expected++
			}
		}

		drain := time.After(10 * time.Second)
	wait:
		for relayed.Load() < int64(expected) {
			select {
			case <-drain:
				break wait
			case <-ctx.Done():
				break wait
			case <-time.After(50 * time.Millisecond):
			}
		}
		fmt.Printf("Relayed %d/%d messages\n", relayed.Load(), expected)
	}

	collector.Report(os.Stdout)
}
