// Package matching pairs waiting users. Entries live in a partitioned
// Store; the Engine tries to pair a user as soon as they join and sweeps
// every partition on a short interval to catch pairs missed by a race.
package matching

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/common"
	"github.com/whisper/anygle/internal/metrics"
	"github.com/whisper/anygle/internal/room"
)

// Config holds matching engine settings.
type Config struct {
	SweepInterval   time.Duration // per-partition sweep period
	CandidateScan   int           // entries examined from the head of a partition
	StaleTTL        time.Duration // entries older than this are evicted
	CleanupInterval time.Duration // stale sweep period
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   100 * time.Millisecond,
		CandidateScan:   50,
		StaleTTL:        5 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// Trigger labels which path produced a pairing.
const (
	TriggerJoin  = "join"
	TriggerSweep = "sweep"
)

// Engine owns no user state; everything shared lives in the Store and the
// room store, so several engines may run against the same Redis.
type Engine struct {
	queue    Store
	rooms    room.Store
	notifier Notifier
	cfg      Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine. Zero config fields take their defaults.
func NewEngine(queue Store, rooms room.Store, notifier Notifier, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CandidateScan <= 0 {
		cfg.CandidateScan = def.CandidateScan
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = def.StaleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Engine{queue: queue, rooms: rooms, notifier: notifier, cfg: cfg}
}

// Queue exposes the underlying store for position and size queries.
func (e *Engine) Queue() Store {
	return e.queue
}

// Join enqueues entry and immediately attempts a pairing. The returned room
// is nil when the user is left waiting.
func (e *Engine) Join(ctx context.Context, entry Entry) (*room.Room, Entry, error) {
	stored, err := e.queue.Enqueue(ctx, entry)
	if err != nil {
		return nil, Entry{}, err
	}
	r, err := e.TryMatch(ctx, stored.UserID)
	if err != nil {
		// The entry stays queued; the sweep gets another chance.
		jww.WARN.Printf("[matcher] try match for %s: %v", stored.UserID, err)
		return nil, stored, nil
	}
	return r, stored, nil
}

// Leave removes the user from the queue. It is idempotent.
func (e *Engine) Leave(ctx context.Context, userID string) error {
	_, err := e.queue.Leave(ctx, userID)
	return err
}

// TryMatch pairs userID with the best compatible entry among the first
// CandidateScan entries of its partition. It never waits: a nil room means
// nothing suitable is queued right now.
func (e *Engine) TryMatch(ctx context.Context, userID string) (*room.Room, error) {
	anchor, err := e.queue.Lookup(ctx, userID)
	if err != nil || anchor == nil {
		return nil, err
	}
	window, err := e.queue.Scan(ctx, anchor.Key(), e.cfg.CandidateScan)
	if err != nil {
		return nil, err
	}
	return e.pair(ctx, *anchor, window, TriggerJoin)
}

// Sweep pairs the head of the partition with its best candidate, repeating
// while pairings succeed. It stops at the first head with no candidate.
func (e *Engine) Sweep(ctx context.Context, key PartitionKey) (int, error) {
	paired := 0
	for ctx.Err() == nil {
		window, err := e.queue.Scan(ctx, key, e.cfg.CandidateScan)
		if err != nil {
			return paired, err
		}
		if len(window) < 2 {
			return paired, nil
		}
		r, err := e.pair(ctx, window[0], window[1:], TriggerSweep)
		if err != nil {
			return paired, err
		}
		if r == nil {
			return paired, nil
		}
		paired++
	}
	return paired, ctx.Err()
}

// pair claims anchor together with the best candidate in window. Lost
// compare-and-swaps move on to the next candidate.
func (e *Engine) pair(ctx context.Context, anchor Entry, window []Entry, trigger string) (*room.Room, error) {
	for _, c := range rankCandidates(anchor, window) {
		err := e.claim(ctx, anchor, c.entry)
		if err == nil {
			return e.open(ctx, anchor, c, trigger)
		}
		if !errors.Is(err, common.ErrQueueRace) {
			return nil, err
		}

		metrics.QueueRaces.Inc()
		current, err := e.queue.Lookup(ctx, anchor.UserID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Token != anchor.Token {
			// The anchor itself was taken or re-queued.
			return nil, nil
		}
	}
	return nil, nil
}

// claim removes both entries from the queue. It returns common.ErrQueueRace
// when either token no longer matches.
func (e *Engine) claim(ctx context.Context, a, b Entry) error {
	ok, err := e.queue.ClaimPair(ctx, a, b)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(common.ErrQueueRace, "claim %s and %s", a.UserID, b.UserID)
	}
	return nil
}

// open creates the room for a claimed pair and notifies both members. If
// the room cannot be stored both users are put back with their original
// join times.
func (e *Engine) open(ctx context.Context, anchor Entry, c candidate, trigger string) (*room.Room, error) {
	other := c.entry
	r := room.New(anchor.UserID, other.UserID, anchor.Mode, anchor.QueueType, c.shared)
	if err := e.rooms.Create(ctx, r); err != nil {
		for _, back := range []Entry{anchor, other} {
			if _, rerr := e.queue.Enqueue(ctx, back); rerr != nil {
				jww.ERROR.Printf("[matcher] re-enqueue %s after failed room create: %v", back.UserID, rerr)
			}
		}
		return nil, errors.Wrap(err, "matching: create room")
	}

	now := time.Now()
	metrics.MatchesTotal.WithLabelValues(trigger).Inc()
	metrics.MatchWait.Observe(now.Sub(anchor.JoinedAt).Seconds())
	metrics.MatchWait.Observe(now.Sub(other.JoinedAt).Seconds())

	if e.notifier != nil {
		if err := e.notifier.Matched(r, anchor, other, initiator(anchor, other)); err != nil {
			jww.ERROR.Printf("[matcher] notify room=%s: %v", r.ID, err)
		}
	}
	return r, nil
}

// Run starts one sweep loop per partition and the stale sweeper. It
// returns immediately; Stop or cancelling ctx ends the loops.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	for _, key := range AllPartitions() {
		e.wg.Add(1)
		go e.sweepLoop(ctx, key)
	}
	e.wg.Add(1)
	go e.cleanupLoop(ctx)

	jww.INFO.Printf("[matcher] engine started: sweep=%s scan=%d stale_ttl=%s",
		e.cfg.SweepInterval, e.cfg.CandidateScan, e.cfg.StaleTTL)
}

// Stop cancels the loops and waits for in-progress iterations to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	jww.INFO.Printf("[matcher] engine stopped")
}

// sweepLoop is the only goroutine sweeping key in this process, so
// iterations for one partition never overlap.
func (e *Engine) sweepLoop(ctx context.Context, key PartitionKey) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	gauge := metrics.QueueSize.WithLabelValues(key.AgeCategory, key.Mode, key.QueueType)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx, key); err != nil && ctx.Err() == nil {
				jww.WARN.Printf("[matcher] sweep %s: %v", key, err)
			}
			if n, err := e.queue.Size(ctx, key); err == nil {
				gauge.Set(float64(n))
			}
		}
	}
}
