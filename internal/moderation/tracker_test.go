package moderation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackers returns the implementations under test. The Redis tracker is
// included only when a local Redis answers on DB 15.
func trackers(t *testing.T) map[string]Tracker {
	t.Helper()
	out := map[string]Tracker{"memory": NewMemoryTracker()}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Logf("Redis not available, testing memory tracker only: %v", err)
		return out
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	out["redis"] = NewRedisTracker(client)
	return out
}

func TestTrackerRollsWarningsIntoBlocks(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			s, rolled, err := tr.Warn(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, rolled)
			assert.Equal(t, State{Warnings: 1}, s)

			s, rolled, err = tr.Warn(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, rolled)
			assert.Equal(t, State{Warnings: 2}, s)

			s, rolled, err = tr.Warn(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, rolled)
			assert.Equal(t, State{Warnings: 0, Blocks: 1}, s)

			got, err := tr.Get(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, s, got)
		})
	}
}

func TestTrackerBlocksMonotonicUntilReset(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prev := 0
			for i := 0; i < 10; i++ {
				s, _, err := tr.Warn(ctx, "u2")
				require.NoError(t, err)
				assert.GreaterOrEqual(t, s.Blocks, prev)
				prev = s.Blocks
			}
			assert.Equal(t, 3, prev)

			require.NoError(t, tr.Reset(ctx, "u2"))
			s, err := tr.Get(ctx, "u2")
			require.NoError(t, err)
			assert.Equal(t, State{}, s)
		})
	}
}

func TestTrackerConcurrentWarn(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 30

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				rolled int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, r, err := tr.Warn(ctx, "u3")
					assert.NoError(t, err)
					if r {
						mu.Lock()
						rolled++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			s, err := tr.Get(ctx, "u3")
			require.NoError(t, err)
			assert.Equal(t, n/WarningsPerBlock, rolled)
			assert.Equal(t, State{Warnings: 0, Blocks: n / WarningsPerBlock}, s)
		})
	}
}

func TestTrackerUsersIndependent(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := tr.Warn(ctx, "a")
			require.NoError(t, err)

			s, err := tr.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, State{}, s)
		})
	}
}
