// Package pgstorage is the durable, multi-writer ascent storage backend on
// PostgreSQL.
//
// All cross-process coordination reduces to two database guarantees: trial
// numbers are assigned under a study row lock inside a transaction, and state
// transitions are conditional UPDATEs whose predicate names the only legal
// predecessor state. Workers on different machines sharing a DSN therefore
// never duplicate a trial number and never double-finalize a trial.
package pgstorage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	directions  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS study_attrs (
	study_id   BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
	is_system  BOOLEAN NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (study_id, is_system, key)
);

CREATE TABLE IF NOT EXISTS trials (
	id            BIGSERIAL PRIMARY KEY,
	study_id      BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
	number        INT NOT NULL,
	state         TEXT NOT NULL,
	final_values  JSONB,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ,
	UNIQUE (study_id, number)
);

CREATE INDEX IF NOT EXISTS trials_study_state_idx ON trials (study_id, state);

CREATE TABLE IF NOT EXISTS trial_params (
	trial_id       BIGINT NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
	name           TEXT NOT NULL,
	internal_value DOUBLE PRECISION NOT NULL,
	distribution   JSONB NOT NULL,
	PRIMARY KEY (trial_id, name)
);

CREATE TABLE IF NOT EXISTS trial_intermediate_values (
	trial_id  BIGINT NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
	step      INT NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (trial_id, step)
);

CREATE TABLE IF NOT EXISTS trial_attrs (
	trial_id   BIGINT NOT NULL REFERENCES trials(id) ON DELETE CASCADE,
	is_system  BOOLEAN NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (trial_id, is_system, key)
);
`

// Storage implements ascent.Storage on a pgx connection pool.
type Storage struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	retry  retryPolicy
}

var _ ascent.Storage = (*Storage)(nil)

// Open connects to PostgreSQL, bootstraps the schema, and returns the backend.
func Open(ctx context.Context, cfg config.Storage, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstorage: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstorage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstorage: ping: %w: %w", ascent.ErrStorageUnavailable, err)
	}

	s := &Storage{
		pool:   pool,
		logger: logger,
		retry:  retryPolicy{max: cfg.RetryMax, baseDelay: cfg.RetryBaseDelay},
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstorage: bootstrap schema: %w", err)
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// inTx runs fn in a transaction, retrying the whole transaction on transient
// failures. Conflict errors from fn are returned as-is, never retried.
func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classify(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		if err := fn(tx); err != nil {
			return err
		}
		return classify(tx.Commit(ctx))
	})
}

// classify maps driver errors into the engine's error classes so errors.Is
// works across the storage boundary. Connection-class failures become
// ErrStorageUnavailable; everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" { // connection exception class
			return fmt.Errorf("%w: %w", ascent.ErrStorageUnavailable, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ascent.ErrStorageUnavailable, err)
	}
	return err
}

// isUniqueViolation reports a 23505 on any constraint.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
