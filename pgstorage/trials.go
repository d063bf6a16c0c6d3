package pgstorage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/distribution"
)

func (s *Storage) CreateNewTrial(ctx context.Context, studyID int, template *ascent.FrozenTrial) (int, error) {
	state := ascent.StateRunning
	if template != nil && template.State != "" {
		state = template.State
	}
	if state != ascent.StateRunning && state != ascent.StateWaiting {
		return 0, fmt.Errorf("pgstorage: new trial state must be running or waiting, got %q", state)
	}

	var trialID int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// The study row lock serializes number assignment across workers:
		// numbers stay dense and strictly increasing per study.
		var locked int
		err := tx.QueryRow(ctx, `SELECT id FROM studies WHERE id = $1 FOR UPDATE`, studyID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
		}
		if err != nil {
			return classify(err)
		}

		var number int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(number) + 1, 0) FROM trials WHERE study_id = $1`, studyID,
		).Scan(&number); err != nil {
			return classify(err)
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO trials (study_id, number, state) VALUES ($1, $2, $3) RETURNING id`,
			studyID, number, string(state),
		).Scan(&trialID); err != nil {
			return classify(err)
		}

		if template == nil {
			return nil
		}
		for name, dist := range template.Distributions {
			raw, err := distribution.Marshal(dist)
			if err != nil {
				return fmt.Errorf("pgstorage: encode template distribution %q: %w", name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO trial_params (trial_id, name, internal_value, distribution) VALUES ($1, $2, $3, $4)`,
				trialID, name, template.InternalParams[name], raw,
			); err != nil {
				return classify(err)
			}
		}
		for step, value := range template.IntermediateValues {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trial_intermediate_values (trial_id, step, value) VALUES ($1, $2, $3)`,
				trialID, step, value,
			); err != nil {
				return classify(err)
			}
		}
		for key, value := range template.UserAttrs {
			if err := insertAttr(ctx, tx, trialID, false, key, value); err != nil {
				return err
			}
		}
		for key, value := range template.SystemAttrs {
			if err := insertAttr(ctx, tx, trialID, true, key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ascent.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("pgstorage: create trial: %w", err)
	}
	return trialID, nil
}

func insertAttr(ctx context.Context, tx pgx.Tx, trialID int, system bool, key, value string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trial_attrs (trial_id, is_system, key, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (trial_id, is_system, key) DO UPDATE SET value = EXCLUDED.value`,
		trialID, system, key, value,
	)
	return classify(err)
}

// trialState reads the trial's current state inside a transaction, locking
// the row so a concurrent transition cannot slip between check and write.
func trialState(ctx context.Context, tx pgx.Tx, trialID int) (ascent.TrialState, error) {
	var state string
	err := tx.QueryRow(ctx, `SELECT state FROM trials WHERE id = $1 FOR UPDATE`, trialID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: trial %d", ascent.ErrNotFound, trialID)
	}
	if err != nil {
		return "", classify(err)
	}
	return ascent.TrialState(state), nil
}

func (s *Storage) SetTrialParam(ctx context.Context, trialID int, name string, internalValue float64, dist distribution.Distribution) error {
	raw, err := distribution.Marshal(dist)
	if err != nil {
		return fmt.Errorf("pgstorage: encode distribution %q: %w", name, err)
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		state, err := trialState(ctx, tx, trialID)
		if err != nil {
			return err
		}
		if state != ascent.StateRunning {
			return fmt.Errorf("%w: trial %d is %s", ascent.ErrTrialNotRunning, trialID, state)
		}

		var prevRaw []byte
		err = tx.QueryRow(ctx,
			`SELECT distribution FROM trial_params WHERE trial_id = $1 AND name = $2`,
			trialID, name,
		).Scan(&prevRaw)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return classify(err)
		}
		if prevRaw != nil {
			prev, err := distribution.Unmarshal(prevRaw)
			if err != nil {
				return fmt.Errorf("pgstorage: decode stored distribution %q: %w", name, err)
			}
			if !distribution.Compatible(prev, dist) {
				return fmt.Errorf("%w: parameter %q", ascent.ErrIncompatibleDistribution, name)
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO trial_params (trial_id, name, internal_value, distribution) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (trial_id, name) DO UPDATE
			 SET internal_value = EXCLUDED.internal_value, distribution = EXCLUDED.distribution`,
			trialID, name, internalValue, raw,
		)
		return classify(err)
	})
	if err != nil && !isEngineError(err) {
		return fmt.Errorf("pgstorage: set trial param: %w", err)
	}
	return err
}

func (s *Storage) SetTrialIntermediateValue(ctx context.Context, trialID int, step int, value float64) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		state, err := trialState(ctx, tx, trialID)
		if err != nil {
			return err
		}
		if state != ascent.StateRunning {
			return fmt.Errorf("%w: trial %d is %s", ascent.ErrTrialNotRunning, trialID, state)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO trial_intermediate_values (trial_id, step, value) VALUES ($1, $2, $3)
			 ON CONFLICT (trial_id, step) DO UPDATE SET value = EXCLUDED.value`,
			trialID, step, value,
		)
		return classify(err)
	})
	if err != nil && !isEngineError(err) {
		return fmt.Errorf("pgstorage: set intermediate value: %w", err)
	}
	return err
}

func (s *Storage) SetTrialStateValues(ctx context.Context, trialID int, state ascent.TrialState, values []float64) error {
	var predecessor ascent.TrialState
	switch {
	case state == ascent.StateRunning:
		predecessor = ascent.StateWaiting
	case state.Finished():
		predecessor = ascent.StateRunning
	default:
		return fmt.Errorf("pgstorage: illegal target state %q", state)
	}

	var rawValues []byte
	if values != nil {
		var err error
		rawValues, err = json.Marshal(values)
		if err != nil {
			return fmt.Errorf("pgstorage: encode values: %w", err)
		}
	}

	err := s.withRetry(ctx, func() error {
		// Conditional update on the predecessor state: exactly one concurrent
		// caller can win, which is the at-most-once finalize guarantee.
		var tag pgconn.CommandTag
		var err error
		if state.Finished() {
			tag, err = s.pool.Exec(ctx,
				`UPDATE trials SET state = $1, final_values = COALESCE($2, final_values), completed_at = now()
				 WHERE id = $3 AND state = $4`,
				string(state), rawValues, trialID, string(predecessor),
			)
		} else {
			tag, err = s.pool.Exec(ctx,
				`UPDATE trials SET state = $1, started_at = now() WHERE id = $2 AND state = $3`,
				string(state), trialID, string(predecessor),
			)
		}
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		// Lost the race or bad id: read the current state to say which.
		var current string
		err = s.pool.QueryRow(ctx, `SELECT state FROM trials WHERE id = $1`, trialID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: trial %d", ascent.ErrNotFound, trialID)
		}
		if err != nil {
			return classify(err)
		}
		if ascent.TrialState(current).Finished() {
			return fmt.Errorf("%w: trial %d is %s", ascent.ErrTrialAlreadyFinished, trialID, current)
		}
		return fmt.Errorf("%w: cannot move trial %d from %s to %s", ascent.ErrTrialNotRunning, trialID, current, state)
	})
	if err != nil && !isEngineError(err) {
		return fmt.Errorf("pgstorage: set trial state: %w", err)
	}
	return err
}

func (s *Storage) SetTrialUserAttr(ctx context.Context, trialID int, key, value string) error {
	return s.setTrialAttr(ctx, trialID, key, value, false)
}

func (s *Storage) SetTrialSystemAttr(ctx context.Context, trialID int, key, value string) error {
	return s.setTrialAttr(ctx, trialID, key, value, true)
}

func (s *Storage) setTrialAttr(ctx context.Context, trialID int, key, value string, system bool) error {
	err := s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO trial_attrs (trial_id, is_system, key, value)
			 SELECT id, $2, $3, $4 FROM trials WHERE id = $1
			 ON CONFLICT (trial_id, is_system, key) DO UPDATE SET value = EXCLUDED.value`,
			trialID, system, key, value,
		)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: trial %d", ascent.ErrNotFound, trialID)
		}
		return nil
	})
	if err != nil && !isEngineError(err) {
		return fmt.Errorf("pgstorage: set trial attr: %w", err)
	}
	return err
}

func (s *Storage) GetTrial(ctx context.Context, trialID int) (ascent.FrozenTrial, error) {
	var out ascent.FrozenTrial
	err := s.withRetry(ctx, func() error {
		trials, err := s.queryTrials(ctx, `WHERE t.id = $1`, trialID)
		if err != nil {
			return err
		}
		if len(trials) == 0 {
			return fmt.Errorf("%w: trial %d", ascent.ErrNotFound, trialID)
		}
		out = trials[0]
		return nil
	})
	if err != nil {
		if errors.Is(err, ascent.ErrNotFound) {
			return ascent.FrozenTrial{}, err
		}
		return ascent.FrozenTrial{}, fmt.Errorf("pgstorage: get trial: %w", err)
	}
	return out, nil
}

func (s *Storage) GetAllTrials(ctx context.Context, studyID int) ([]ascent.FrozenTrial, error) {
	var out []ascent.FrozenTrial
	err := s.withRetry(ctx, func() error {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM studies WHERE id = $1)`, studyID).Scan(&exists); err != nil {
			return classify(err)
		}
		if !exists {
			return fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
		}
		trials, err := s.queryTrials(ctx, `WHERE t.study_id = $1 ORDER BY t.number`, studyID)
		if err != nil {
			return err
		}
		out = trials
		return nil
	})
	if err != nil {
		if errors.Is(err, ascent.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("pgstorage: get all trials: %w", err)
	}
	return out, nil
}

// queryTrials assembles frozen trials from the trial row and its three
// satellite tables.
func (s *Storage) queryTrials(ctx context.Context, where string, arg interface{}) ([]ascent.FrozenTrial, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.study_id, t.number, t.state, t.final_values, t.started_at, t.completed_at
		 FROM trials t `+where, arg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var trials []ascent.FrozenTrial
	index := make(map[int]int)
	var ids []int
	for rows.Next() {
		var (
			t         ascent.FrozenTrial
			state     string
			rawValues []byte
			completed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.StudyID, &t.Number, &state, &rawValues, &t.DatetimeStart, &completed); err != nil {
			return nil, classify(err)
		}
		t.State = ascent.TrialState(state)
		if rawValues != nil {
			if err := json.Unmarshal(rawValues, &t.Values); err != nil {
				return nil, fmt.Errorf("pgstorage: decode trial values: %w", err)
			}
		}
		if completed.Valid {
			t.DatetimeComplete = completed.Time.UTC()
		}
		t.DatetimeStart = t.DatetimeStart.UTC()
		t.Params = make(map[string]interface{})
		t.InternalParams = make(map[string]float64)
		t.Distributions = make(map[string]distribution.Distribution)
		t.IntermediateValues = make(map[int]float64)
		t.UserAttrs = make(map[string]string)
		t.SystemAttrs = make(map[string]string)
		index[t.ID] = len(trials)
		ids = append(ids, t.ID)
		trials = append(trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(trials) == 0 {
		return nil, nil
	}

	if err := s.loadParams(ctx, ids, index, trials); err != nil {
		return nil, err
	}
	if err := s.loadIntermediates(ctx, ids, index, trials); err != nil {
		return nil, err
	}
	if err := s.loadAttrs(ctx, ids, index, trials); err != nil {
		return nil, err
	}
	return trials, nil
}

func (s *Storage) loadParams(ctx context.Context, ids []int, index map[int]int, trials []ascent.FrozenTrial) error {
	rows, err := s.pool.Query(ctx,
		`SELECT trial_id, name, internal_value, distribution FROM trial_params WHERE trial_id = ANY($1)`, ids)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			trialID  int
			name     string
			internal float64
			raw      []byte
		)
		if err := rows.Scan(&trialID, &name, &internal, &raw); err != nil {
			return classify(err)
		}
		dist, err := distribution.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("pgstorage: decode distribution %q: %w", name, err)
		}
		t := &trials[index[trialID]]
		t.InternalParams[name] = internal
		t.Distributions[name] = dist
		t.Params[name] = dist.ToExternal(internal)
	}
	return classify(rows.Err())
}

func (s *Storage) loadIntermediates(ctx context.Context, ids []int, index map[int]int, trials []ascent.FrozenTrial) error {
	rows, err := s.pool.Query(ctx,
		`SELECT trial_id, step, value FROM trial_intermediate_values WHERE trial_id = ANY($1)`, ids)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			trialID int
			step    int
			value   float64
		)
		if err := rows.Scan(&trialID, &step, &value); err != nil {
			return classify(err)
		}
		trials[index[trialID]].IntermediateValues[step] = value
	}
	return classify(rows.Err())
}

func (s *Storage) loadAttrs(ctx context.Context, ids []int, index map[int]int, trials []ascent.FrozenTrial) error {
	rows, err := s.pool.Query(ctx,
		`SELECT trial_id, is_system, key, value FROM trial_attrs WHERE trial_id = ANY($1)`, ids)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			trialID int
			system  bool
			key     string
			value   string
		)
		if err := rows.Scan(&trialID, &system, &key, &value); err != nil {
			return classify(err)
		}
		t := &trials[index[trialID]]
		if system {
			t.SystemAttrs[key] = value
		} else {
			t.UserAttrs[key] = value
		}
	}
	return classify(rows.Err())
}

func (s *Storage) GetTrialNumberFromID(ctx context.Context, trialID int) (int, error) {
	var number int
	err := s.withRetry(ctx, func() error {
		return classify(s.pool.QueryRow(ctx, `SELECT number FROM trials WHERE id = $1`, trialID).Scan(&number))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: trial %d", ascent.ErrNotFound, trialID)
	}
	if err != nil {
		return 0, fmt.Errorf("pgstorage: get trial number: %w", err)
	}
	return number, nil
}

func (s *Storage) GetBestTrial(ctx context.Context, studyID int) (ascent.FrozenTrial, error) {
	directions, err := s.GetStudyDirections(ctx, studyID)
	if err != nil {
		return ascent.FrozenTrial{}, err
	}
	if len(directions) != 1 {
		return ascent.FrozenTrial{}, fmt.Errorf("pgstorage: best trial is undefined for a multi-objective study")
	}
	trials, err := s.GetAllTrials(ctx, studyID)
	if err != nil {
		return ascent.FrozenTrial{}, err
	}

	var best *ascent.FrozenTrial
	for i := range trials {
		t := &trials[i]
		if t.State != ascent.StateComplete || len(t.Values) == 0 {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		if directions[0] == ascent.DirectionMaximize {
			if t.Values[0] > best.Values[0] {
				best = t
			}
		} else if t.Values[0] < best.Values[0] {
			best = t
		}
	}
	if best == nil {
		return ascent.FrozenTrial{}, fmt.Errorf("%w: study %d has no completed trials", ascent.ErrNotFound, studyID)
	}
	return *best, nil
}

// isEngineError reports whether err already carries one of the engine's
// sentinel classes and should pass through unwrapped.
func isEngineError(err error) bool {
	return errors.Is(err, ascent.ErrNotFound) ||
		errors.Is(err, ascent.ErrTrialNotRunning) ||
		errors.Is(err, ascent.ErrTrialAlreadyFinished) ||
		errors.Is(err, ascent.ErrIncompatibleDistribution) ||
		errors.Is(err, ascent.ErrStorageUnavailable)
}
