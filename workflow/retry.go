package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/songzhibin97/process-engine/storage"
)

// retryOnce runs op and runs it exactly once more if the first error is
// retriable. op must re-read whatever state it depends on.
func (e *Engine) retryOnce(ctx context.Context, name string, retriable func(error) bool, op func() error) error {
	attempt := func() error {
		err := op()
		if err != nil && !retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, _ time.Duration) {
		e.logger.Debug("retrying after conflict",
			slog.String("operation", name), slog.Any("error", err))
	})
}

// retryOnConflict retries op once when it lost an optimistic-concurrency race.
func (e *Engine) retryOnConflict(ctx context.Context, name string, op func() error) error {
	return e.retryOnce(ctx, name, isConflict, op)
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}

func always(error) bool { return true }
