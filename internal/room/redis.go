package room

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/anygle/internal/common"
)

const (
	RoomPrefix   = "room:"
	MemberPrefix = "room:member:"
	ActiveKey    = "rooms:active"

	RoomTTLActive = 2 * time.Hour
	RoomTTLEnded  = 10 * time.Minute

	// MaxStoredMessages caps the per-room message list.
	MaxStoredMessages = 500
)

func roomKey(id string) string     { return RoomPrefix + id }
func messagesKey(id string) string { return RoomPrefix + id + ":messages" }
func memberKey(uid string) string  { return MemberPrefix + uid }

// RedisStore keeps rooms in Redis so that both members' processes observe
// the same lifecycle.
type RedisStore struct {
	rdb       *redis.Client
	endScript *redis.Script
}

// NewRedisStore creates a room store backed by rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		endScript: redis.NewScript(endRoomLua),
	}
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, r *Room) error {
	key := roomKey(r.ID)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"member_a":    r.MemberA,
		"member_b":    r.MemberB,
		"mode":        r.Mode,
		"queue_type":  r.QueueType,
		"shared":      strings.Join(r.SharedInterests, ","),
		"created_at":  r.CreatedAt.UnixMilli(),
		"status":      string(StatusActive),
		"msg_total":   0,
		"msg_flagged": 0,
	})
	pipe.Expire(ctx, key, RoomTTLActive)
	pipe.SAdd(ctx, ActiveKey, r.ID)
	pipe.Set(ctx, memberKey(r.MemberA), r.ID, RoomTTLActive)
	pipe.Set(ctx, memberKey(r.MemberB), r.ID, RoomTTLActive)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Unavailable("room: create", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Room, error) {
	result, err := s.rdb.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, common.Unavailable("room: get", err)
	}
	if len(result) == 0 {
		return nil, errors.Wrapf(common.ErrNotFound, "room %s", id)
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	r := &Room{
		ID:        id,
		MemberA:   result["member_a"],
		MemberB:   result["member_b"],
		Mode:      result["mode"],
		QueueType: result["queue_type"],
		CreatedAt: time.UnixMilli(createdAt),
		Status:    Status(result["status"]),
		EndedBy:   result["ended_by"],
		EndReason: EndReason(result["end_reason"]),
	}
	if shared := result["shared"]; shared != "" {
		r.SharedInterests = strings.Split(shared, ",")
	}
	if v, ok := result["ended_at"]; ok {
		endedAt, _ := strconv.ParseInt(v, 10, 64)
		r.EndedAt = time.UnixMilli(endedAt)
	}
	return r, nil
}

// End implements Store. The transition is a compare-and-set in Lua so that
// two members ending the room at once produce exactly one winner.
func (s *RedisStore) End(ctx context.Context, id, endedBy string, reason EndReason) (bool, error) {
	members, err := s.rdb.HMGet(ctx, roomKey(id), "member_a", "member_b").Result()
	if err != nil {
		return false, common.Unavailable("room: end", err)
	}
	a, _ := members[0].(string)
	b, _ := members[1].(string)
	if a == "" && b == "" {
		return false, errors.Wrapf(common.ErrNotFound, "room %s", id)
	}

	keys := []string{roomKey(id), ActiveKey, memberKey(a), memberKey(b), messagesKey(id)}
	ended, err := s.endScript.Run(ctx, s.rdb, keys,
		id, endedBy, string(reason), time.Now().UnixMilli(), int(RoomTTLEnded.Seconds()),
	).Int()
	if err != nil {
		return false, common.Unavailable("room: end", err)
	}
	return ended == 1, nil
}

// AppendMessage implements Store.
func (s *RedisStore) AppendMessage(ctx context.Context, m Message) (Tally, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Tally{}, errors.Wrap(err, "room: marshal message")
	}

	flagged := 0
	if m.Flagged() {
		flagged = 1
	}

	key := roomKey(m.RoomID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, messagesKey(m.RoomID), data)
	pipe.LTrim(ctx, messagesKey(m.RoomID), -MaxStoredMessages, -1)
	pipe.Expire(ctx, messagesKey(m.RoomID), RoomTTLActive)
	total := pipe.HIncrBy(ctx, key, "msg_total", 1)
	flags := pipe.HIncrBy(ctx, key, "msg_flagged", int64(flagged))
	if _, err := pipe.Exec(ctx); err != nil {
		return Tally{}, common.Unavailable("room: append message", err)
	}
	return Tally{Total: int(total.Val()), Flagged: int(flags.Val())}, nil
}

// Messages implements Store.
func (s *RedisStore) Messages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.rdb.LRange(ctx, messagesKey(roomID), start, -1).Result()
	if err != nil {
		return nil, common.Unavailable("room: messages", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ActiveRoomFor implements Store.
func (s *RedisStore) ActiveRoomFor(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, memberKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", common.Unavailable("room: member lookup", err)
	}
	return id, nil
}

// ActiveCount implements Store.
func (s *RedisStore) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, ActiveKey).Result()
	if err != nil {
		return 0, common.Unavailable("room: active count", err)
	}
	return n, nil
}

// endRoomLua ends an active room exactly once. Member index keys are only
// removed while they still point at this room.
//
//	KEYS: room hash, active set, member A key, member B key, messages list
//	ARGV: room id, ended_by, end_reason, ended_at (ms), ended ttl (s)
const endRoomLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'active' then return 0 end

redis.call('HSET', KEYS[1], 'status', 'ended', 'ended_by', ARGV[2], 'end_reason', ARGV[3], 'ended_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
redis.call('EXPIRE', KEYS[5], tonumber(ARGV[5]))
redis.call('SREM', KEYS[2], ARGV[1])

for i = 3, 4 do
    if redis.call('GET', KEYS[i]) == ARGV[1] then
        redis.call('DEL', KEYS[i])
    end
end
return 1
`
