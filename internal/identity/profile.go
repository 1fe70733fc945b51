// Package identity resolves the anonymous identity bound to a connection:
// signed identity tokens issued by the authentication service, and the
// profile (age category, interests) that service keeps for each id.
package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/anygle/internal/common"
)

// ProfilePrefix is the Redis key prefix for profile hashes written by the
// authentication service.
const ProfilePrefix = "profile:"

// Profile is the externally owned part of an identity.
type Profile struct {
	AgeCategory string   `json:"ageCategory"`
	Interests   []string `json:"interests"`
}

// ProfileSource looks up a profile by user id. Implementations return
// common.ErrNotFound for unknown ids.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// RedisProfiles reads profile:<id> hashes. Interests are stored as a
// comma-separated field.
type RedisProfiles struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisProfiles wraps an existing Redis client.
func NewRedisProfiles(client *redis.Client) *RedisProfiles {
	return &RedisProfiles{client: client, timeout: 2 * time.Second}
}

// GetProfile implements ProfileSource.
func (p *RedisProfiles) GetProfile(ctx context.Context, userID string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vals, err := p.client.HGetAll(ctx, ProfilePrefix+userID).Result()
	if err != nil {
		return Profile{}, common.Unavailable("identity: get profile", err)
	}
	if len(vals) == 0 {
		return Profile{}, common.ErrNotFound
	}

	prof := Profile{AgeCategory: vals["age_category"]}
	if raw := vals["interests"]; raw != "" {
		prof.Interests = strings.Split(raw, ",")
	}
	return prof, nil
}

// Put writes a profile. It is used by the authentication service and by
// tests; the core never calls it.
func (p *RedisProfiles) Put(ctx context.Context, userID string, prof Profile) error {
	err := p.client.HSet(ctx, ProfilePrefix+userID,
		"age_category", prof.AgeCategory,
		"interests", strings.Join(prof.Interests, ","),
	).Err()
	return common.Unavailable("identity: put profile", err)
}

// StaticProfiles is an in-memory ProfileSource.
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticProfiles returns an empty in-memory source.
func NewStaticProfiles() *StaticProfiles {
	return &StaticProfiles{profiles: make(map[string]Profile)}
}

// Set stores prof for userID.
func (s *StaticProfiles) Set(userID string, prof Profile) {
	s.mu.Lock()
	s.profiles[userID] = prof
	s.mu.Unlock()
}

// GetProfile implements ProfileSource.
func (s *StaticProfiles) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prof, ok := s.profiles[userID]
	if !ok {
		return Profile{}, common.ErrNotFound
	}
	return prof, nil
}
