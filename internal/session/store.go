package session

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/anygle/internal/common"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// OnlineKey is the set of live session ids.
	OnlineKey = "sessions:online"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Store is the Redis Registry.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a session registry on client. serverName identifies the
// owning process in each session hash.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in the connected state with a 1h TTL.
func (s *Store) Create(ctx context.Context, id string) (*Session, error) {
	key := SessionPrefix + id
	now := time.Now().Unix()

	sess := &Session{
		ID:         id,
		State:      StateConnected,
		Server:     s.serverName,
		CreatedAt:  now,
		LastActive: now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          id,
		"state":       string(StateConnected),
		"room_id":     "",
		"server":      s.serverName,
		"age":         "",
		"mode":        "",
		"queue_type":  "",
		"interests":   "",
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, OnlineKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, common.Unavailable("session: create", err)
	}
	return sess, nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+id).Scan(&sess); err != nil {
		return nil, common.Unavailable("session: get", err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Transition checks the move against the state machine and stores it. Only
// the owning connection writes its session, so read-then-write is enough.
func (s *Store) Transition(ctx context.Context, id string, to State) error {
	key := SessionPrefix + id
	cur, err := s.client.HGet(ctx, key, "state").Result()
	if err == redis.Nil {
		return errors.Wrapf(common.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return common.Unavailable("session: transition", err)
	}
	if !CanTransition(State(cur), to) {
		return &TransitionError{From: State(cur), To: to}
	}
	return s.set(ctx, "session: transition", id, "state", string(to))
}

// SetPreferences stores the matching choices of the latest join.
func (s *Store) SetPreferences(ctx context.Context, id string, p Preferences) error {
	return s.set(ctx, "session: set preferences", id,
		"age", p.AgeCategory,
		"mode", p.Mode,
		"queue_type", p.QueueType,
		"interests", strings.Join(p.Interests, ","),
	)
}

// SetRoom sets the active room id and marks the session paired.
func (s *Store) SetRoom(ctx context.Context, id, roomID string) error {
	return s.set(ctx, "session: set room", id, "room_id", roomID, "state", string(StatePaired))
}

// ClearRoom removes the active room id and moves the session to state.
func (s *Store) ClearRoom(ctx context.Context, id string, to State) error {
	return s.set(ctx, "session: clear room", id, "room_id", "", "state", string(to))
}

// set writes fields, bumps last_active and refreshes the TTL.
func (s *Store) set(ctx context.Context, op, id string, fields ...interface{}) error {
	key := SessionPrefix + id
	fields = append(fields, "last_active", time.Now().Unix())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Unavailable(op, err)
	}
	return nil
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, id string) error {
	if err := s.client.Expire(ctx, SessionPrefix+id, SessionTTL).Err(); err != nil {
		return common.Unavailable("session: refresh", err)
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+id)
	pipe.SRem(ctx, OnlineKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Unavailable("session: delete", err)
	}
	return nil
}

// Count implements Registry.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, OnlineKey).Result()
	if err != nil {
		return 0, common.Unavailable("session: count", err)
	}
	return n, nil
}
