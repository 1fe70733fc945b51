package matching

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/metrics"
)

// LeftQueueTimeout is the left_queue reason for stale evictions.
const LeftQueueTimeout = "timeout"

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			jww.DEBUG.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			e.SweepStale(ctx, time.Now())
		}
	}
}

// SweepStale evicts entries that joined more than StaleTTL before now,
// one partition at a time, and tells each evicted user. It returns the
// number of evictions.
func (e *Engine) SweepStale(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-e.cfg.StaleTTL)
	removed := 0
	for _, key := range AllPartitions() {
		if ctx.Err() != nil {
			break
		}
		stale, err := e.queue.RemoveStale(ctx, key, cutoff)
		if err != nil {
			jww.WARN.Printf("[matcher] cleanup %s: %v", key, err)
			continue
		}
		for _, entry := range stale {
			metrics.StaleEvictions.Inc()
			if e.notifier == nil {
				continue
			}
			if err := e.notifier.LeftQueue(entry.UserID, LeftQueueTimeout); err != nil {
				jww.WARN.Printf("[matcher] notify timeout for %s: %v", entry.UserID, err)
			}
		}
		removed += len(stale)
	}

	if removed > 0 {
		jww.INFO.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}
	return removed
}
