package matching

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"langexchange-backend/internal/queue"
	"langexchange-backend/internal/storage"
)

const (
	defaultRetryBase     = 50 * time.Millisecond
	defaultRetryAttempts = 3
)

// withRetry runs op until it succeeds, fails permanently, or attempts run out.
// Ledger and lookup errors are decisions, not transient faults.
func (m *Matchmaker) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(m.retryAttempts-1, retry.NewExponential(m.retryBase))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		m.logger.Warn("retrying", "op", op, "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})
}

func permanent(err error) bool {
	return errors.Is(err, queue.ErrLedgerNotFound) ||
		errors.Is(err, queue.ErrLedgerClosed) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
