package pgstorage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/copyleftdev/ascent"
)

type retryPolicy struct {
	max       int
	baseDelay time.Duration
}

// isTransient reports whether an operation may be retried: serialization
// failures, deadlocks, and connection losses. Conflict errors from the engine
// (already-finished trials, incompatible distributions) are correctness
// signals and are never transient.
func isTransient(err error) bool {
	if errors.Is(err, ascent.ErrStorageUnavailable) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// withRetry executes fn with jittered exponential backoff on transient
// failures, up to the configured attempt count.
func (s *Storage) withRetry(ctx context.Context, fn func() error) error {
	max := s.retry.max
	if max < 0 {
		max = 0
	}
	delay := s.retry.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt <= max; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == max {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter needs no crypto randomness
		s.logger.Warn("transient storage error, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", delay+jitter), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
