package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks any Queue Store I/O failure. Callers treat it as
	// retryable and surface a generic error to the user.
	ErrUnavailable = errors.New("queue store unavailable")

	ErrLedgerNotFound = errors.New("ledger not found")
	// ErrLedgerClosed is returned when a ledger exists but is no longer
	// pending, is past its deadline, or the caller is not one of its
	// participants.
	ErrLedgerClosed = errors.New("ledger not pending")
)

// Store is the atomic keyed store that owns all queue and ledger state.
// Every operation is atomic per user or per language pair.
type Store interface {
	// Enqueue removes any prior entry for the user and inserts a fresh one
	// into prefs.QueueKey(). It returns the 1-based rank within that queue.
	Enqueue(ctx context.Context, prefs Preferences, priority bool) (int64, error)
	// Requeue inserts a priority entry only when the user has none. It
	// returns 0 when an entry already existed.
	Requeue(ctx context.Context, prefs Preferences) (int64, error)
	// Dequeue removes the user's live entry. It reports whether one existed.
	Dequeue(ctx context.Context, userID string) (bool, error)
	// ClaimPair removes both users from their queues only if both are still
	// waiting. It reports false, changing nothing, when either is gone.
	ClaimPair(ctx context.Context, requesterID, candidateID string) (bool, error)
	// Peek returns up to limit oldest entries without removing them.
	Peek(ctx context.Context, queueKey string, limit int64) ([]Entry, error)
	Length(ctx context.Context, queueKey string) (int64, error)
	// Position returns the user's entry and 1-based rank, or (nil, 0) when
	// the user is not queued.
	Position(ctx context.Context, userID string) (*Entry, int64, error)
	// SweepStale removes entries whose effective timestamp is older than
	// maxAge and returns how many were removed.
	SweepStale(ctx context.Context, maxAge time.Duration) (int, error)

	// CreateLedger stores a pending ledger that can be decided for ttl.
	CreateLedger(ctx context.Context, ledger *Ledger, ttl time.Duration) error
	GetLedger(ctx context.Context, matchID string) (*Ledger, error)
	// SetAcceptedFlag records userID's accept vote. It returns true only for
	// the write that completes the double accept, which also resets the TTL.
	SetAcceptedFlag(ctx context.Context, matchID, userID string, ttl time.Duration) (bool, error)
	// SetStatus moves a pending ledger to a terminal status and resets its TTL.
	SetStatus(ctx context.Context, matchID string, status LedgerStatus, ttl time.Duration) error
	DeleteLedger(ctx context.Context, matchID string) error
	// ExpirePending closes every pending ledger whose deadline is at or
	// before now, keeps it readable for retention and returns it.
	ExpirePending(ctx context.Context, now time.Time, retention time.Duration) ([]*Ledger, error)
}
