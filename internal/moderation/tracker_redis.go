package moderation

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/anygle/internal/common"
)

const (
	// StatePrefix is the Redis key prefix for moderation counter hashes.
	StatePrefix = "modstate:"

	// StateTTL bounds how long idle counters survive. Counters are reset on
	// every new room anyway; the TTL only reclaims abandoned keys.
	StateTTL = 2 * time.Hour
)

// warnScript increments warnings and rolls them into a block atomically.
// KEYS[1] = modstate:<user>, ARGV[1] = warnings per block, ARGV[2] = ttl s.
// Returns {warnings, blocks, rolled}.
var warnScript = redis.NewScript(`
local w = redis.call('HINCRBY', KEYS[1], 'warnings', 1)
local b = tonumber(redis.call('HGET', KEYS[1], 'blocks') or '0')
local rolled = 0
if w >= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'warnings', 0)
  b = redis.call('HINCRBY', KEYS[1], 'blocks', 1)
  w = 0
  rolled = 1
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {w, b, rolled}
`)

// RedisTracker stores counters in a hash per user so that every relay
// process sees the same escalation state.
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker wraps an existing Redis client.
func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

// Warn implements Tracker.
func (t *RedisTracker) Warn(ctx context.Context, userID string) (State, bool, error) {
	res, err := warnScript.Run(ctx, t.client, []string{StatePrefix + userID},
		WarningsPerBlock, int(StateTTL.Seconds())).Slice()
	if err != nil {
		return State{}, false, common.Unavailable("moderation: warn", err)
	}
	if len(res) != 3 {
		return State{}, false, errors.Errorf("moderation: warn: unexpected reply %v", res)
	}
	w, _ := res[0].(int64)
	b, _ := res[1].(int64)
	rolled, _ := res[2].(int64)
	return State{Warnings: int(w), Blocks: int(b)}, rolled == 1, nil
}

// Get implements Tracker.
func (t *RedisTracker) Get(ctx context.Context, userID string) (State, error) {
	vals, err := t.client.HGetAll(ctx, StatePrefix+userID).Result()
	if err != nil {
		return State{}, common.Unavailable("moderation: get state", err)
	}
	w, _ := strconv.Atoi(vals["warnings"])
	b, _ := strconv.Atoi(vals["blocks"])
	return State{Warnings: w, Blocks: b}, nil
}

// Reset implements Tracker.
func (t *RedisTracker) Reset(ctx context.Context, userID string) error {
	return common.Unavailable("moderation: reset", t.client.Del(ctx, StatePrefix+userID).Err())
}
