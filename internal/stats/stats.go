// Package stats derives the public presence counters from the queue, room
// and session stores. Nothing here writes to those stores.
package stats

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/matching"
	"github.com/whisper/anygle/internal/metrics"
	"github.com/whisper/anygle/internal/room"
)

// DefaultCacheTTL bounds how stale a served snapshot may be.
const DefaultCacheTTL = 2 * time.Second

// SessionCounter counts attached sessions. session.Registry satisfies it.
type SessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Snapshot is one reading of the counters.
type Snapshot struct {
	Online      int64            `json:"totalOnline"`
	InQueue     int64            `json:"inQueue"`
	ActiveChats int64            `json:"activeChats"`
	Queues      map[string]int64 `json:"queues"`
	TakenAt     int64            `json:"takenAt"`
}

// Aggregator reads and caches Snapshots.
type Aggregator struct {
	queue    matching.Store
	rooms    room.Store
	sessions SessionCounter
	ttl      time.Duration

	mu     sync.Mutex
	last   Snapshot
	lastAt time.Time
	now    func() time.Time
}

// New returns an Aggregator. A non-positive ttl disables caching.
func New(queue matching.Store, rooms room.Store, sessions SessionCounter, ttl time.Duration) *Aggregator {
	return &Aggregator{queue: queue, rooms: rooms, sessions: sessions, ttl: ttl, now: time.Now}
}

// Snapshot returns the cached reading or collects a fresh one.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ttl > 0 && !a.lastAt.IsZero() && a.now().Sub(a.lastAt) < a.ttl {
		return a.last, nil
	}
	s, err := a.collect(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	a.last, a.lastAt = s, a.now()
	return s, nil
}

func (a *Aggregator) collect(ctx context.Context) (Snapshot, error) {
	s := Snapshot{Queues: make(map[string]int64), TakenAt: a.now().UnixMilli()}
	for _, key := range matching.AllPartitions() {
		n, err := a.queue.Size(ctx, key)
		if err != nil {
			return Snapshot{}, errors.Wrapf(err, "stats: queue size %s", key)
		}
		s.Queues[key.String()] = n
		s.InQueue += n
		metrics.QueueSize.WithLabelValues(key.AgeCategory, key.Mode, key.QueueType).Set(float64(n))
	}

	active, err := a.rooms.ActiveCount(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "stats: active rooms")
	}
	s.ActiveChats = active
	metrics.ActiveRooms.Set(float64(active))

	if a.sessions != nil {
		online, err := a.sessions.Count(ctx)
		if err != nil {
			return Snapshot{}, errors.Wrap(err, "stats: sessions")
		}
		s.Online = online
	}
	return s, nil
}

// Run refreshes the gauges every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			s, err := a.collect(ctx)
			if err == nil {
				a.last, a.lastAt = s, a.now()
			}
			a.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				jww.WARN.Printf("[stats] refresh: %v", err)
			}
		}
	}
}

// Handler serves GET /stats.
func (a *Aggregator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := a.Snapshot(c.Request.Context())
		if err != nil {
			jww.ERROR.Printf("[stats] snapshot: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
