// Package ratelimit throttles client actions in fixed windows. Chat,
// signaling and join frames are counted per user; WebSocket upgrades per
// remote address.
package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:join:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleSignal allows 100 signaling or indicator frames per 10 seconds
	// per user. ICE candidates arrive in bursts.
	RuleSignal = Rule{Key: "rl:sig:", Limit: 100, Window: 10 * time.Second}

	// RuleJoin allows 10 join or skip requests per minute per user.
	RuleJoin = Rule{Key: "rl:join:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Allower is satisfied by Limiter and Memory.
type Allower interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// windowScript counts one hit and opens the window on the first, in one
// round trip so a counter is never left without a TTL.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter is the Redis-backed Allower shared by every process.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts a hit for identifier under rule and reports whether it is
// still within the limit.
//
// On Redis errors Allow fails open (returns true together with the error)
// so an outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := windowScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		jww.WARN.Printf("[ratelimit] window key=%s: %v (failing open)", key, err)
		return true, errors.Wrap(err, "ratelimit: window")
	}
	if count > int64(rule.Limit) {
		jww.DEBUG.Printf("[ratelimit] limited key=%s count=%d limit=%d", key, count, rule.Limit)
		return false, nil
	}
	return true, nil
}

// Remaining returns how many requests the identifier has left in the
// current window, the full limit when no window is open. On Redis errors it
// returns the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		jww.WARN.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, errors.Wrap(err, "ratelimit: get")
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
