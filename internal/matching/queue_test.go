package matching

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns the in-memory store and, when Redis answers on DB 15, the
// Redis store.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Logf("redis queue skipped: %v", err)
		rdb.Close()
		return out
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	out["redis"] = NewRedisStore(rdb)
	return out
}

var adultText = PartitionKey{AgeCategory: "adult", Mode: "text", QueueType: "moderated"}

func entry(id string, key PartitionKey, joined time.Time, interests ...string) Entry {
	return Entry{
		UserID:      id,
		AgeCategory: key.AgeCategory,
		Mode:        key.Mode,
		QueueType:   key.QueueType,
		Interests:   interests,
		JoinedAt:    joined,
	}
}

func TestAllPartitions(t *testing.T) {
	keys := AllPartitions()
	assert.Len(t, keys, 12)

	seen := map[PartitionKey]bool{}
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate partition %s", k)
		seen[k] = true
		assert.True(t, k.Valid())
	}
	assert.False(t, PartitionKey{AgeCategory: "child", Mode: "text", QueueType: "moderated"}.Valid())
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 0, Priority(nil, "video", "unmoderated"))
	assert.Equal(t, 5, Priority(nil, "video", "moderated"))
	assert.Equal(t, 8, Priority(nil, "text", "moderated"))
	assert.Equal(t, 28, Priority([]string{"a", "b"}, "text", "moderated"))
	assert.Equal(t, maxPriority, Priority([]string{"a", "b", "c", "d", "e"}, "text", "moderated"))
}

func TestScoreOrdering(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	low := Entry{Priority: 8, JoinedAt: base}
	high := Entry{Priority: 18, JoinedAt: base.Add(time.Hour)}
	later := Entry{Priority: 8, JoinedAt: base.Add(time.Second)}

	assert.Less(t, Score(high), Score(low), "higher priority sorts first")
	assert.Less(t, Score(low), Score(later), "earlier join sorts first on tie")
	assert.Equal(t, base.UnixMilli(), joinedAtFromScore(Score(low)))
	assert.Equal(t, base.Add(time.Hour).UnixMilli(), joinedAtFromScore(Score(high)))
}

func TestStore_OrderAndScan(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			_, err := s.Enqueue(ctx, entry("plain-old", adultText, now.Add(-3*time.Second)))
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, entry("plain-new", adultText, now.Add(-1*time.Second)))
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, entry("tagged", adultText, now, "music"))
			require.NoError(t, err)

			got, err := s.Scan(ctx, adultText, 10)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "tagged", got[0].UserID, "interest priority first")
			assert.Equal(t, "plain-old", got[1].UserID)
			assert.Equal(t, "plain-new", got[2].UserID)
			assert.NotEmpty(t, got[0].Token)

			head, err := s.PeekOldest(ctx, adultText)
			require.NoError(t, err)
			require.NotNil(t, head)
			assert.Equal(t, "tagged", head.UserID)

			pos, err := s.Position(ctx, adultText, "plain-new")
			require.NoError(t, err)
			assert.EqualValues(t, 3, pos)
			pos, err = s.Position(ctx, adultText, "nobody")
			require.NoError(t, err)
			assert.EqualValues(t, 0, pos)

			n, err := s.Size(ctx, adultText)
			require.NoError(t, err)
			assert.EqualValues(t, 3, n)

			limited, err := s.Scan(ctx, adultText, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestStore_EnqueueMovesBetweenPartitions(t *testing.T) {
	video := PartitionKey{AgeCategory: "adult", Mode: "video", QueueType: "unmoderated"}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Enqueue(ctx, entry("u", adultText, time.Time{}))
			require.NoError(t, err)
			second, err := s.Enqueue(ctx, entry("u", video, time.Time{}, "chess"))
			require.NoError(t, err)

			n, _ := s.Size(ctx, adultText)
			assert.EqualValues(t, 0, n)
			n, _ = s.Size(ctx, video)
			assert.EqualValues(t, 1, n)

			e, err := s.Lookup(ctx, "u")
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, video, e.Key())
			assert.Equal(t, []string{"chess"}, e.Interests)
			assert.Equal(t, second.Token, e.Token)
		})
	}
}

func TestStore_InterestsKeepSeparators(t *testing.T) {
	tags := []string{"rock,pop", "r&b", "sci fi"}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Enqueue(ctx, entry("u", adultText, time.Time{}, tags...))
			require.NoError(t, err)

			e, err := s.Lookup(ctx, "u")
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, tags, e.Interests)

			window, err := s.Scan(ctx, adultText, 10)
			require.NoError(t, err)
			require.Len(t, window, 1)
			assert.Equal(t, tags, window[0].Interests)
		})
	}
}

func TestDecodeInterests(t *testing.T) {
	enc, err := encodeInterests([]string{"rock,pop", "jazz"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rock,pop", "jazz"}, decodeInterests(enc))

	empty, err := encodeInterests(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Nil(t, decodeInterests(""))
	assert.Nil(t, decodeInterests("not json"))
}

func TestStore_LeaveIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Enqueue(ctx, entry("u", adultText, time.Time{}))
			require.NoError(t, err)

			removed, err := s.Leave(ctx, "u")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = s.Leave(ctx, "u")
			require.NoError(t, err)
			assert.False(t, removed)

			e, err := s.Lookup(ctx, "u")
			require.NoError(t, err)
			assert.Nil(t, e)
		})
	}
}

func TestStore_RemoveWrongPartition(t *testing.T) {
	other := PartitionKey{AgeCategory: "teen", Mode: "text", QueueType: "moderated"}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Enqueue(ctx, entry("u", adultText, time.Time{}))
			require.NoError(t, err)

			removed, err := s.Remove(ctx, other, "u")
			require.NoError(t, err)
			assert.False(t, removed)

			removed, err = s.Remove(ctx, adultText, "u")
			require.NoError(t, err)
			assert.True(t, removed)
		})
	}
}

func TestStore_ClaimPairTokens(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := s.Enqueue(ctx, entry("a", adultText, time.Time{}))
			require.NoError(t, err)
			b, err := s.Enqueue(ctx, entry("b", adultText, time.Time{}))
			require.NoError(t, err)

			// b re-joins: the token a sweeper read is now stale.
			b2, err := s.Enqueue(ctx, entry("b", adultText, time.Time{}))
			require.NoError(t, err)

			ok, err := s.ClaimPair(ctx, a, b)
			require.NoError(t, err)
			assert.False(t, ok)
			n, _ := s.Size(ctx, adultText)
			assert.EqualValues(t, 2, n, "failed claim removes neither")

			ok, err = s.ClaimPair(ctx, a, b2)
			require.NoError(t, err)
			assert.True(t, ok)
			n, _ = s.Size(ctx, adultText)
			assert.EqualValues(t, 0, n)

			ok, err = s.ClaimPair(ctx, a, b2)
			require.NoError(t, err)
			assert.False(t, ok, "second claim loses")
		})
	}
}

func TestStore_RemoveStale(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			_, err := s.Enqueue(ctx, entry("old", adultText, now.Add(-10*time.Minute)))
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, entry("fresh", adultText, now))
			require.NoError(t, err)

			removed, err := s.RemoveStale(ctx, adultText, now.Add(-5*time.Minute))
			require.NoError(t, err)
			require.Len(t, removed, 1)
			assert.Equal(t, "old", removed[0].UserID)

			left, _ := s.Scan(ctx, adultText, -1)
			require.Len(t, left, 1)
			assert.Equal(t, "fresh", left[0].UserID)
		})
	}
}

// TestStore_AtMostOnePartition hammers the store with concurrent joins to
// random partitions and leaves, checking after every round that no user is
// present in more than one partition.
func TestStore_AtMostOnePartition(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			keys := AllPartitions()
			users := 20

			for round := 0; round < 5; round++ {
				var wg sync.WaitGroup
				for w := 0; w < 8; w++ {
					wg.Add(1)
					go func(seed int64) {
						defer wg.Done()
						rng := rand.New(rand.NewSource(seed))
						for i := 0; i < 40; i++ {
							uid := fmt.Sprintf("u%d", rng.Intn(users))
							if rng.Intn(4) == 0 {
								_, _ = s.Leave(ctx, uid)
								continue
							}
							k := keys[rng.Intn(len(keys))]
							_, _ = s.Enqueue(ctx, entry(uid, k, time.Time{}))
						}
					}(int64(round*100 + w))
				}
				wg.Wait()

				seen := map[string]PartitionKey{}
				for _, k := range keys {
					entries, err := s.Scan(ctx, k, -1)
					require.NoError(t, err)
					for _, e := range entries {
						if prev, dup := seen[e.UserID]; dup {
							t.Fatalf("user %s in both %s and %s", e.UserID, prev, k)
						}
						seen[e.UserID] = k
					}
				}
			}
		})
	}
}
