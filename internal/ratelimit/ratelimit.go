package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLimited = errors.New("rate limit exceeded")

const (
	keyPrefix     = "ratelimit:"
	DefaultWindow = time.Minute
)

var slidingWindowScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tostring(cutoff))
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Limiter is a per-user, per-event sliding window counter kept in Redis so
// limits hold across gateway instances.
type Limiter struct {
	client       redis.UniversalClient
	window       time.Duration
	defaultLimit int
	limits       map[string]int
	now          func() time.Time
}

func New(client redis.UniversalClient, defaultLimit int) *Limiter {
	return &Limiter{
		client:       client,
		window:       DefaultWindow,
		defaultLimit: defaultLimit,
		limits:       make(map[string]int),
		now:          time.Now,
	}
}

// SetLimit overrides the per-window limit for one event type. Call before
// the limiter is shared.
func (l *Limiter) SetLimit(event string, limit int) {
	l.limits[event] = limit
}

func (l *Limiter) limitFor(event string) int {
	if limit, ok := l.limits[event]; ok {
		return limit
	}
	return l.defaultLimit
}

// Allow records one event for userID. It returns ErrLimited when the window
// is full; a non-positive limit disables limiting for that event.
func (l *Limiter) Allow(ctx context.Context, userID, event string) error {
	limit := l.limitFor(event)
	if limit <= 0 {
		return nil
	}

	allowed, err := slidingWindowScript.Run(ctx, l.client,
		[]string{keyPrefix + userID + ":" + event},
		l.now().UnixMilli(), l.window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if allowed == 0 {
		return ErrLimited
	}
	return nil
}
