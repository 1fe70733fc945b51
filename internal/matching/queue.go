package matching

import (
	"context"
	"time"

	"github.com/whisper/anygle/internal/protocol"
)

// PartitionKey identifies one waiting list. Only entries with equal keys
// can be paired.
type PartitionKey struct {
	AgeCategory string
	Mode        string
	QueueType   string
}

// String renders the key as it appears in Redis keys and metric labels.
func (k PartitionKey) String() string {
	return k.AgeCategory + ":" + k.Mode + ":" + k.QueueType
}

// Valid reports whether every component is a known value.
func (k PartitionKey) Valid() bool {
	for _, p := range AllPartitions() {
		if p == k {
			return true
		}
	}
	return false
}

var partitions = func() []PartitionKey {
	var keys []PartitionKey
	for _, age := range []string{protocol.AgeTeen, protocol.AgeAdult} {
		for _, mode := range []string{protocol.ModeText, protocol.ModeVoice, protocol.ModeVideo} {
			for _, qt := range []string{protocol.QueueModerated, protocol.QueueUnmoderated} {
				keys = append(keys, PartitionKey{AgeCategory: age, Mode: mode, QueueType: qt})
			}
		}
	}
	return keys
}()

// AllPartitions returns the 12 fixed partition keys.
func AllPartitions() []PartitionKey {
	out := make([]PartitionKey, len(partitions))
	copy(out, partitions)
	return out
}

// Entry is a user waiting in one partition.
type Entry struct {
	UserID      string
	AgeCategory string
	Mode        string
	QueueType   string
	Interests   []string
	JoinedAt    time.Time
	Priority    int
	// Token is assigned on enqueue; removals that must not race a
	// re-enqueue are conditioned on it.
	Token string
}

// Key returns the partition the entry belongs to.
func (e Entry) Key() PartitionKey {
	return PartitionKey{AgeCategory: e.AgeCategory, Mode: e.Mode, QueueType: e.QueueType}
}

const (
	priorityPerInterest = 10
	priorityModerated   = 5
	priorityText        = 3
	maxPriority         = priorityPerInterest*protocol.MaxInterests + priorityModerated + priorityText

	// scoreSpan exceeds any unix millisecond timestamp, so the priority
	// band dominates and joinedAt orders within a band.
	scoreSpan = 1e13
)

// Priority derives an entry's priority: +10 per interest, +5 for the
// moderated queue, +3 for text mode.
func Priority(interests []string, mode, queueType string) int {
	p := priorityPerInterest * len(interests)
	if queueType == protocol.QueueModerated {
		p += priorityModerated
	}
	if mode == protocol.ModeText {
		p += priorityText
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}

// Score is the composite sort key. Ascending score means higher priority
// first, earlier join on tie.
func Score(e Entry) float64 {
	return float64(maxPriority-e.Priority)*scoreSpan + float64(e.JoinedAt.UnixMilli())
}

// joinedAtFromScore recovers the join time in milliseconds from a score.
func joinedAtFromScore(score float64) int64 {
	band := int64(score / scoreSpan)
	return int64(score) - band*int64(scoreSpan)
}

// Store is the partitioned waiting queue. A user has at most one entry
// across all partitions at any time.
type Store interface {
	// Enqueue inserts e, first removing any entry the user already has in
	// any partition. It fills JoinedAt, Priority and Token and returns the
	// stored entry.
	Enqueue(ctx context.Context, e Entry) (Entry, error)
	// Remove deletes the user's entry from key. It reports whether an
	// entry was removed.
	Remove(ctx context.Context, key PartitionKey, userID string) (bool, error)
	// PeekOldest returns the head of the partition order, or nil.
	PeekOldest(ctx context.Context, key PartitionKey) (*Entry, error)
	// Scan returns up to limit entries from the head of the partition.
	Scan(ctx context.Context, key PartitionKey, limit int) ([]Entry, error)
	Size(ctx context.Context, key PartitionKey) (int64, error)

	// Lookup returns the user's entry wherever it is, or nil.
	Lookup(ctx context.Context, userID string) (*Entry, error)
	// Leave removes the user from whichever partition holds them. Calling
	// it for a user that is not queued is a no-op.
	Leave(ctx context.Context, userID string) (bool, error)
	// ClaimPair removes both entries or neither. It fails (false, nil)
	// when either entry is gone or was replaced since it was read.
	ClaimPair(ctx context.Context, a, b Entry) (bool, error)
	// Position is the 1-based rank of the user in key, 0 when absent.
	Position(ctx context.Context, key PartitionKey, userID string) (int64, error)
	// RemoveStale evicts entries of key that joined before cutoff and
	// returns them.
	RemoveStale(ctx context.Context, key PartitionKey, cutoff time.Time) ([]Entry, error)
}
