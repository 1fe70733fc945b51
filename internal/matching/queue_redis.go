package matching

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/anygle/internal/common"
)

const (
	// Redis key patterns for the queue.
	keyQueuePrefix = "queue:"       // + <age>:<mode>:<queue_type> -> sorted set, member = user id
	keyEntryPrefix = "queue:entry:" // + <user_id> -> hash

	// entryTTL bounds how long an orphaned entry hash can outlive its
	// sorted set member. It is longer than any sensible stale TTL.
	entryTTL = 15 * time.Minute
)

func queueKey(k PartitionKey) string { return keyQueuePrefix + k.String() }
func entryKey(userID string) string  { return keyEntryPrefix + userID }

// allQueueKeys lists every partition's sorted set so scripts can enforce
// the one-partition rule without reading undeclared keys.
func allQueueKeys() []string {
	keys := make([]string, 0, len(partitions))
	for _, k := range partitions {
		keys = append(keys, queueKey(k))
	}
	return keys
}

// RedisStore is the shared Store used when several processes enqueue and
// sweep. Atomicity comes from Lua scripts.
type RedisStore struct {
	rdb           *redis.Client
	enqueueScript *redis.Script
	leaveScript   *redis.Script
	claimScript   *redis.Script
	removeScript  *redis.Script
}

// NewRedisStore creates a queue store backed by rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		enqueueScript: redis.NewScript(enqueueLua),
		leaveScript:   redis.NewScript(leaveLua),
		claimScript:   redis.NewScript(claimPairLua),
		removeScript:  redis.NewScript(removeIfTokenLua),
	}
}

// Enqueue implements Store.
func (s *RedisStore) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	if !e.Key().Valid() {
		return Entry{}, errors.Errorf("matching: unknown partition %s", e.Key())
	}
	if e.JoinedAt.IsZero() {
		e.JoinedAt = time.Now()
	}
	e.Priority = Priority(e.Interests, e.Mode, e.QueueType)
	e.Token = uuid.NewString()
	interests, err := encodeInterests(e.Interests)
	if err != nil {
		return Entry{}, err
	}

	keys := append([]string{entryKey(e.UserID), queueKey(e.Key())}, allQueueKeys()...)
	err = s.enqueueScript.Run(ctx, s.rdb, keys,
		e.UserID,
		strconv.FormatFloat(Score(e), 'f', 0, 64),
		e.Token,
		e.AgeCategory,
		e.Mode,
		e.QueueType,
		interests,
		e.JoinedAt.UnixMilli(),
		e.Priority,
		int(entryTTL.Seconds()),
	).Err()
	if err != nil {
		return Entry{}, common.Unavailable("matching: enqueue", err)
	}
	return e, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, key PartitionKey, userID string) (bool, error) {
	token, err := s.rdb.HGet(ctx, entryKey(userID), "token").Result()
	if err == redis.Nil {
		// No hash: clear a dangling member if there is one.
		n, err := s.rdb.ZRem(ctx, queueKey(key), userID).Result()
		if err != nil {
			return false, common.Unavailable("matching: remove", err)
		}
		return n > 0, nil
	}
	if err != nil {
		return false, common.Unavailable("matching: remove", err)
	}
	return s.removeIfToken(ctx, key, userID, token)
}

func (s *RedisStore) removeIfToken(ctx context.Context, key PartitionKey, userID, token string) (bool, error) {
	n, err := s.removeScript.Run(ctx, s.rdb, []string{entryKey(userID), queueKey(key)}, userID, token).Int()
	if err != nil {
		return false, common.Unavailable("matching: remove", err)
	}
	return n == 1, nil
}

// Leave implements Store.
func (s *RedisStore) Leave(ctx context.Context, userID string) (bool, error) {
	keys := append([]string{entryKey(userID)}, allQueueKeys()...)
	n, err := s.leaveScript.Run(ctx, s.rdb, keys, userID).Int()
	if err != nil {
		return false, common.Unavailable("matching: leave", err)
	}
	return n > 0, nil
}

// PeekOldest implements Store.
func (s *RedisStore) PeekOldest(ctx context.Context, key PartitionKey) (*Entry, error) {
	entries, err := s.Scan(ctx, key, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Scan implements Store. Members whose entry hash has expired are skipped.
func (s *RedisStore) Scan(ctx context.Context, key PartitionKey, limit int) ([]Entry, error) {
	if limit == 0 {
		return nil, nil
	}
	stop := int64(limit - 1)
	if limit < 0 {
		stop = -1
	}
	ids, err := s.rdb.ZRange(ctx, queueKey(key), 0, stop).Result()
	if err != nil {
		return nil, common.Unavailable("matching: scan", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, common.Unavailable("matching: scan", err)
	}

	entries := make([]Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, entryFromHash(ids[i], fields))
	}
	return entries, nil
}

// Size implements Store.
func (s *RedisStore) Size(ctx context.Context, key PartitionKey) (int64, error) {
	n, err := s.rdb.ZCard(ctx, queueKey(key)).Result()
	if err != nil {
		return 0, common.Unavailable("matching: size", err)
	}
	return n, nil
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, userID string) (*Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return nil, common.Unavailable("matching: lookup", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	e := entryFromHash(userID, fields)
	return &e, nil
}

// ClaimPair implements Store.
func (s *RedisStore) ClaimPair(ctx context.Context, a, b Entry) (bool, error) {
	if a.UserID == b.UserID {
		return false, errors.New("matching: cannot pair a user with themselves")
	}
	keys := []string{entryKey(a.UserID), entryKey(b.UserID), queueKey(a.Key()), queueKey(b.Key())}
	n, err := s.claimScript.Run(ctx, s.rdb, keys, a.UserID, a.Token, b.UserID, b.Token).Int()
	if err != nil {
		return false, common.Unavailable("matching: claim pair", err)
	}
	return n == 1, nil
}

// Position implements Store.
func (s *RedisStore) Position(ctx context.Context, key PartitionKey, userID string) (int64, error) {
	rank, err := s.rdb.ZRank(ctx, queueKey(key), userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, common.Unavailable("matching: position", err)
	}
	return rank + 1, nil
}

// RemoveStale implements Store. The join time is recovered from each
// member's score; removal is conditioned on the entry token so a user who
// re-joined in the meantime is left alone.
func (s *RedisStore) RemoveStale(ctx context.Context, key PartitionKey, cutoff time.Time) ([]Entry, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, queueKey(key), 0, -1).Result()
	if err != nil {
		return nil, common.Unavailable("matching: stale scan", err)
	}

	limit := cutoff.UnixMilli()
	var removed []Entry
	for _, z := range members {
		if joinedAtFromScore(z.Score) >= limit {
			continue
		}
		userID, _ := z.Member.(string)
		e, err := s.Lookup(ctx, userID)
		if err != nil {
			return removed, err
		}
		if e == nil {
			if _, err := s.rdb.ZRem(ctx, queueKey(key), userID).Result(); err != nil {
				return removed, common.Unavailable("matching: stale remove", err)
			}
			continue
		}
		ok, err := s.removeIfToken(ctx, key, userID, e.Token)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, *e)
		}
	}
	return removed, nil
}

func entryFromHash(userID string, f map[string]string) Entry {
	joined, _ := strconv.ParseInt(f["joined_at"], 10, 64)
	priority, _ := strconv.Atoi(f["priority"])
	e := Entry{
		UserID:      userID,
		AgeCategory: f["age"],
		Mode:        f["mode"],
		QueueType:   f["queue_type"],
		JoinedAt:    time.UnixMilli(joined),
		Priority:    priority,
		Token:       f["token"],
	}
	e.Interests = decodeInterests(f["interests"])
	return e
}

// Interests are stored as a JSON array so tags keep any character.
func encodeInterests(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", errors.Wrap(err, "matching: encode interests")
	}
	return string(b), nil
}

func decodeInterests(v string) []string {
	if v == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(v), &tags); err != nil || len(tags) == 0 {
		return nil
	}
	return tags
}

// enqueueLua removes the user from every partition, then writes the entry
// hash and the sorted set member in one step.
//
//	KEYS: entry hash, target set, all 12 partition sets
//	ARGV: user id, score, token, age, mode, queue type, interests, joined_at, priority, ttl
const enqueueLua = `
for i = 3, #KEYS do
    redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
    'token', ARGV[3], 'age', ARGV[4], 'mode', ARGV[5], 'queue_type', ARGV[6],
    'interests', ARGV[7], 'joined_at', ARGV[8], 'priority', ARGV[9], 'zset', KEYS[2])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[10]))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

// leaveLua removes the user from every partition and deletes the entry.
//
//	KEYS: entry hash, all 12 partition sets
//	ARGV: user id
const leaveLua = `
local removed = 0
for i = 2, #KEYS do
    removed = removed + redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('DEL', KEYS[1])
return removed
`

// claimPairLua dequeues both users only if both entries still carry the
// tokens the caller read.
//
//	KEYS: entry A, entry B, set A, set B
//	ARGV: user A, token A, user B, token B
const claimPairLua = `
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return 0 end
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[4] then return 0 end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) == false then return 0 end
if redis.call('ZSCORE', KEYS[4], ARGV[3]) == false then return 0 end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[3])
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`

// removeIfTokenLua removes the user's entry from one partition when the
// token still matches and the entry belongs to that partition.
//
//	KEYS: entry hash, partition set
//	ARGV: user id, token
const removeIfTokenLua = `
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return 0 end
if redis.call('HGET', KEYS[1], 'zset') ~= KEYS[2] then return 0 end
local n = redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return n
`
