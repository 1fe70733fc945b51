// Package ban records which anonymous users may no longer be paired.
// Ban records are stored as simple key-value pairs:
//
//	Key:   ban:<user_id>
//	Value: <reason>
//	TTL:   ban duration, none for permanent bans
//
// Moderation bans are permanent until cleared externally; report bans
// escalate in duration.
package ban

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/anygle/internal/common"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for report counters.
	ReportsPrefix = "reports:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the offense counter lives in Redis.
	// After 24h without new offenses the counter resets to zero.
	ReportsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3

	// ReasonMultipleReports is recorded for report-triggered bans.
	ReasonMultipleReports = "multiple_reports"
)

// Checker answers whether a user is banned.
type Checker interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// Admit returns common.ErrBanned when userID is banned. A nil checker
// admits everyone.
func Admit(ctx context.Context, c Checker, userID string) error {
	if c == nil {
		return nil
	}
	banned, err := c.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	if banned {
		return errors.Wrapf(common.ErrBanned, "user %s", userID)
	}
	return nil
}

// Reporter counts reports against a user and auto-bans past the threshold.
type Reporter interface {
	ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error)
}

// Record describes a user's ban. Remaining is zero for permanent bans.
type Record struct {
	Banned    bool
	Permanent bool
	Remaining time.Duration
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Status returns the user's ban record. Redis errors are returned wrapped
// as common.ErrStoreUnavailable so callers can fail closed.
func (s *Store) Status(ctx context.Context, userID string) (Record, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, common.Unavailable("ban: status", err)
	}

	rec := Record{Banned: true, Reason: reason}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but its TTL is unreadable. Report it banned
		// rather than swallowing the ban.
		return rec, nil
	}
	switch {
	case ttl > 0:
		rec.Remaining = ttl
	case ttl == -1:
		rec.Permanent = true
	}
	return rec, nil
}

// IsBanned implements Checker.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, error) {
	rec, err := s.Status(ctx, userID)
	return rec.Banned, err
}

// Ban bans userID permanently. It satisfies the moderation pipeline's
// Banner.
func (s *Store) Ban(ctx context.Context, userID, reason string) error {
	return s.BanFor(ctx, userID, 0, reason)
}

// BanFor bans userID for duration; zero means permanent.
func (s *Store) BanFor(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+userID, reason, duration).Err(); err != nil {
		return common.Unavailable("ban: set", err)
	}
	return nil
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return common.Unavailable("ban: unban", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Escalating bans
// ---------------------------------------------------------------------------

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the current report counter for a user, 0 when none
// has been recorded or the counter expired.
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, ReportsPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, common.Unavailable("ban: offense count", err)
	}
	return val, nil
}

// incrOffense atomically increments the counter; the TTL is set only on the
// first increment so the window does not slide.
func (s *Store) incrOffense(ctx context.Context, userID string) (int64, error) {
	key := ReportsPrefix + userID
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, common.Unavailable("ban: offense incr", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return 0, common.Unavailable("ban: offense expire", err)
		}
	}
	return count, nil
}

// Escalate increments the offense counter and applies a ban whose duration
// grows with the count:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	count, err := s.incrOffense(ctx, userID)
	if err != nil {
		return 0, err
	}
	duration := escalationDuration(int(count))
	if err := s.BanFor(ctx, userID, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}

// ReportAndCheck counts a report against userID and bans once
// AutoBanThreshold reports arrived within ReportsTTL.
func (s *Store) ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error) {
	count, err := s.incrOffense(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	if count < AutoBanThreshold {
		return false, 0, nil
	}

	// A permanent moderation ban is never shortened by a report ban.
	rec, err := s.Status(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	if rec.Permanent {
		return true, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.BanFor(ctx, userID, duration, ReasonMultipleReports); err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
