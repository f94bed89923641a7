package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	queue:pair:{target}:{native}  sorted set, member = user id, score = effective unix µs
//	queue:user:{userID}           hash {queue, entry} (reverse index)
//	match:{matchID}               hash ledger, TTL bounded
//	ledger:pending                sorted set, member = match id, score = expires_at unix ms
const (
	pairKeyPrefix   = "queue:pair:"
	userKeyPrefix   = "queue:user:"
	ledgerKeyPrefix = "match:"
	pendingIndexKey = "ledger:pending"

	sweepScanCount = 100

	// Pending ledgers outlive their deadline by this much so the expiry
	// sweep can still read both participants' preferences.
	ledgerGrace = 10 * time.Minute
)

func userKey(userID string) string   { return userKeyPrefix + userID }
func ledgerKey(matchID string) string { return ledgerKeyPrefix + matchID }

// ARGV[4] == '1' leaves an existing entry alone and returns 0.
var enqueueScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'queue')
if prev then
  if ARGV[4] == '1' then
    return 0
  end
  redis.call('ZREM', prev, ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'queue', KEYS[2], 'entry', ARGV[3])
return redis.call('ZRANK', KEYS[2], ARGV[1]) + 1
`)

var dequeueScript = redis.NewScript(`
local q = redis.call('HGET', KEYS[1], 'queue')
if not q then
  return 0
end
local removed = redis.call('ZREM', q, ARGV[1])
redis.call('DEL', KEYS[1])
return removed
`)

var claimPairScript = redis.NewScript(`
local qa = redis.call('HGET', KEYS[1], 'queue')
local qb = redis.call('HGET', KEYS[2], 'queue')
if not qa or not qb then
  return 0
end
if not redis.call('ZSCORE', qa, ARGV[1]) or not redis.call('ZSCORE', qb, ARGV[2]) then
  return 0
end
redis.call('ZREM', qa, ARGV[1])
redis.call('ZREM', qb, ARGV[2])
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)

var sweepScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[2], 'queue') == KEYS[1] then
  redis.call('DEL', KEYS[2])
end
return 1
`)

var acceptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
  return -2
end
local a = redis.call('HGET', KEYS[1], 'user_a')
local b = redis.call('HGET', KEYS[1], 'user_b')
if ARGV[1] ~= a and ARGV[1] ~= b then
  return -2
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0') <= tonumber(ARGV[3]) then
  return -2
end
redis.call('HSET', KEYS[1], 'accepted:' .. ARGV[1], '1')
if redis.call('HGET', KEYS[1], 'accepted:' .. a) == '1' and redis.call('HGET', KEYS[1], 'accepted:' .. b) == '1' then
  redis.call('HSET', KEYS[1], 'status', 'accepted')
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('ZREM', KEYS[2], ARGV[4])
  return 1
end
return 0
`)

var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
  return -2
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0') <= tonumber(ARGV[3]) then
  return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

// expireScript closes one overdue pending ledger and returns its fields, or
// nil when it was already resolved.
var expireScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return false
end
if redis.call('HGET', KEYS[2], 'status') ~= 'pending' then
  return false
end
redis.call('HSET', KEYS[2], 'status', 'expired')
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return redis.call('HGETALL', KEYS[2])
`)

type RedisStore struct {
	client         redis.UniversalClient
	priorityOffset time.Duration
	logger         *log.Logger
	now            func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, priorityOffset time.Duration, logger *log.Logger) *RedisStore {
	return &RedisStore{
		client:         client,
		priorityOffset: priorityOffset,
		logger:         logger.WithPrefix("QUEUE_STORE"),
		now:            time.Now,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *RedisStore) Enqueue(ctx context.Context, prefs Preferences, priority bool) (int64, error) {
	return s.enqueue(ctx, prefs, priority, false)
}

func (s *RedisStore) Requeue(ctx context.Context, prefs Preferences) (int64, error) {
	return s.enqueue(ctx, prefs, true, true)
}

func (s *RedisStore) enqueue(ctx context.Context, prefs Preferences, priority, ifAbsent bool) (int64, error) {
	start := time.Now()
	now := s.now().UTC()
	effective := now
	if priority {
		effective = now.Add(-s.priorityOffset)
	}

	entry := Entry{
		UserID:      prefs.UserID,
		Preferences: prefs,
		EnqueuedAt:  now,
		EffectiveAt: effective,
		Priority:    priority,
		QueueKey:    prefs.QueueKey(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}

	flag := "0"
	if ifAbsent {
		flag = "1"
	}
	position, err := enqueueScript.Run(ctx, s.client,
		[]string{userKey(prefs.UserID), entry.QueueKey},
		prefs.UserID, effective.UnixMicro(), string(data), flag,
	).Int64()
	if err != nil {
		return 0, unavailable("enqueue", err)
	}
	if position == 0 {
		s.logger.Debug("already queued, left in place", "user", prefs.UserID)
		return 0, nil
	}

	s.logger.Debug("enqueued", "user", prefs.UserID, "queue", entry.QueueKey,
		"priority", priority, "position", position, "duration", time.Since(start))
	return position, nil
}

func (s *RedisStore) Dequeue(ctx context.Context, userID string) (bool, error) {
	removed, err := dequeueScript.Run(ctx, s.client, []string{userKey(userID)}, userID).Int64()
	if err != nil {
		return false, unavailable("dequeue", err)
	}
	return removed == 1, nil
}

func (s *RedisStore) ClaimPair(ctx context.Context, requesterID, candidateID string) (bool, error) {
	if requesterID == candidateID {
		return false, nil
	}
	claimed, err := claimPairScript.Run(ctx, s.client,
		[]string{userKey(requesterID), userKey(candidateID)},
		requesterID, candidateID,
	).Int64()
	if err != nil {
		return false, unavailable("claim pair", err)
	}
	return claimed == 1, nil
}

func (s *RedisStore) Peek(ctx context.Context, queueKey string, limit int64) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	members, err := s.client.ZRange(ctx, queueKey, 0, limit-1).Result()
	if err != nil {
		return nil, unavailable("peek", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, userID := range members {
		cmds[i] = pipe.HGet(ctx, userKey(userID), "entry")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("peek entries", err)
	}

	entries := make([]Entry, 0, len(members))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			// Member without reverse index: left for the stale sweep.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("skipping unreadable entry", "user", members[i], "err", err)
			continue
		}
		if entry.QueueKey != queueKey {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Length(ctx context.Context, queueKey string) (int64, error) {
	n, err := s.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, unavailable("length", err)
	}
	return n, nil
}

func (s *RedisStore) Position(ctx context.Context, userID string) (*Entry, int64, error) {
	raw, err := s.client.HGet(ctx, userKey(userID), "entry").Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable("position", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, 0, fmt.Errorf("decode entry for %s: %w", userID, err)
	}

	rank, err := s.client.ZRank(ctx, entry.QueueKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable("position rank", err)
	}
	return &entry, rank + 1, nil
}

func (s *RedisStore) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	start := time.Now()
	cutoff := s.now().Add(-maxAge).UnixMicro()
	maxScore := strconv.FormatInt(cutoff, 10)

	removed := 0
	iter := s.client.Scan(ctx, 0, pairKeyPrefix+"*", sweepScanCount).Iterator()
	for iter.Next(ctx) {
		queueKey := iter.Val()
		stale, err := s.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
		if err != nil {
			return removed, unavailable("sweep range", err)
		}
		for _, userID := range stale {
			n, err := sweepScript.Run(ctx, s.client, []string{queueKey, userKey(userID)}, userID, cutoff).Int64()
			if err != nil {
				return removed, unavailable("sweep member", err)
			}
			removed += int(n)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, unavailable("sweep scan", err)
	}

	s.logger.Debug("sweep finished", "removed", removed, "max_age", maxAge, "duration", time.Since(start))
	return removed, nil
}

func (s *RedisStore) CreateLedger(ctx context.Context, ledger *Ledger, ttl time.Duration) error {
	prefsA, err := json.Marshal(ledger.PreferencesA)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	prefsB, err := json.Marshal(ledger.PreferencesB)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	key := ledgerKey(ledger.MatchID)
	expiresAt := ledger.CreatedAt.Add(ttl)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"match_id":   ledger.MatchID,
			"user_a":     ledger.UserA,
			"user_b":     ledger.UserB,
			"created_at": ledger.CreatedAt.UnixMilli(),
			"expires_at": expiresAt.UnixMilli(),
			"status":     string(LedgerPending),
			"score":      strconv.FormatFloat(ledger.Score, 'f', -1, 64),
			"prefs_a":    string(prefsA),
			"prefs_b":    string(prefsB),
		})
		pipe.PExpire(ctx, key, ttl+ledgerGrace)
		pipe.ZAdd(ctx, pendingIndexKey, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: ledger.MatchID})
		return nil
	})
	if err != nil {
		return unavailable("create ledger", err)
	}
	ledger.ExpiresAt = time.UnixMilli(expiresAt.UnixMilli()).UTC()
	return nil
}

func (s *RedisStore) GetLedger(ctx context.Context, matchID string) (*Ledger, error) {
	fields, err := s.client.HGetAll(ctx, ledgerKey(matchID)).Result()
	if err != nil {
		return nil, unavailable("get ledger", err)
	}
	if len(fields) == 0 {
		return nil, ErrLedgerNotFound
	}
	return decodeLedger(fields)
}

func decodeLedger(fields map[string]string) (*Ledger, error) {
	ledger := &Ledger{
		MatchID: fields["match_id"],
		UserA:   fields["user_a"],
		UserB:   fields["user_b"],
		Status:  LedgerStatus(fields["status"]),
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		ledger.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		ledger.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	if score, err := strconv.ParseFloat(fields["score"], 64); err == nil {
		ledger.Score = score
	}
	if raw := fields["prefs_a"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ledger.PreferencesA); err != nil {
			return nil, fmt.Errorf("decode ledger %s: %w", ledger.MatchID, err)
		}
	}
	if raw := fields["prefs_b"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ledger.PreferencesB); err != nil {
			return nil, fmt.Errorf("decode ledger %s: %w", ledger.MatchID, err)
		}
	}
	ledger.Accepted = map[string]bool{
		ledger.UserA: fields["accepted:"+ledger.UserA] == "1",
		ledger.UserB: fields["accepted:"+ledger.UserB] == "1",
	}
	return ledger, nil
}

func (s *RedisStore) SetAcceptedFlag(ctx context.Context, matchID, userID string, ttl time.Duration) (bool, error) {
	res, err := acceptScript.Run(ctx, s.client, []string{ledgerKey(matchID), pendingIndexKey},
		userID, ttl.Milliseconds(), s.now().UnixMilli(), matchID).Int64()
	if err != nil {
		return false, unavailable("set accepted flag", err)
	}
	switch res {
	case -1:
		return false, ErrLedgerNotFound
	case -2:
		return false, ErrLedgerClosed
	}
	return res == 1, nil
}

// SetStatus only transitions pending ledgers before their deadline; terminal
// statuses are final.
func (s *RedisStore) SetStatus(ctx context.Context, matchID string, status LedgerStatus, ttl time.Duration) error {
	res, err := setStatusScript.Run(ctx, s.client, []string{ledgerKey(matchID), pendingIndexKey},
		string(status), ttl.Milliseconds(), s.now().UnixMilli(), matchID).Int64()
	if err != nil {
		return unavailable("set status", err)
	}
	switch res {
	case -1:
		return ErrLedgerNotFound
	case -2:
		return ErrLedgerClosed
	}
	return nil
}

func (s *RedisStore) DeleteLedger(ctx context.Context, matchID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ledgerKey(matchID))
		pipe.ZRem(ctx, pendingIndexKey, matchID)
		return nil
	})
	if err != nil {
		return unavailable("delete ledger", err)
	}
	return nil
}

func (s *RedisStore) ExpirePending(ctx context.Context, now time.Time, retention time.Duration) ([]*Ledger, error) {
	due, err := s.client.ZRangeByScore(ctx, pendingIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("expire range", err)
	}

	var expired []*Ledger
	for _, matchID := range due {
		raw, err := expireScript.Run(ctx, s.client, []string{pendingIndexKey, ledgerKey(matchID)},
			matchID, retention.Milliseconds()).StringSlice()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return expired, unavailable("expire ledger", err)
		}

		fields := make(map[string]string, len(raw)/2)
		for i := 0; i+1 < len(raw); i += 2 {
			fields[raw[i]] = raw[i+1]
		}
		ledger, err := decodeLedger(fields)
		if err != nil {
			s.logger.Warn("skipping unreadable ledger", "match", matchID, "err", err)
			continue
		}
		expired = append(expired, ledger)
	}
	return expired, nil
}
