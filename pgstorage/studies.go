package pgstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/copyleftdev/ascent"
)

func (s *Storage) CreateNewStudy(ctx context.Context, name string, directions []ascent.StudyDirection) (int, error) {
	if name == "" {
		name = fmt.Sprintf("no-name-%s", uuid.NewString())
	}
	if len(directions) == 0 {
		directions = []ascent.StudyDirection{ascent.DirectionMinimize}
	}
	dirs, err := json.Marshal(directions)
	if err != nil {
		return 0, fmt.Errorf("pgstorage: encode directions: %w", err)
	}

	var id int
	err = s.withRetry(ctx, func() error {
		return classify(s.pool.QueryRow(ctx,
			`INSERT INTO studies (name, directions) VALUES ($1, $2) RETURNING id`,
			name, dirs,
		).Scan(&id))
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %q", ascent.ErrDuplicateStudyName, name)
		}
		return 0, fmt.Errorf("pgstorage: create study: %w", err)
	}
	return id, nil
}

func (s *Storage) DeleteStudy(ctx context.Context, studyID int) error {
	err := s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM studies WHERE id = $1`, studyID)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ascent.ErrNotFound) {
		return fmt.Errorf("pgstorage: delete study: %w", err)
	}
	return err
}

func (s *Storage) GetStudyIDByName(ctx context.Context, name string) (int, error) {
	var id int
	err := s.withRetry(ctx, func() error {
		return classify(s.pool.QueryRow(ctx, `SELECT id FROM studies WHERE name = $1`, name).Scan(&id))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: study %q", ascent.ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("pgstorage: get study by name: %w", err)
	}
	return id, nil
}

func (s *Storage) GetStudyNameFromID(ctx context.Context, studyID int) (string, error) {
	var name string
	err := s.withRetry(ctx, func() error {
		return classify(s.pool.QueryRow(ctx, `SELECT name FROM studies WHERE id = $1`, studyID).Scan(&name))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
	}
	if err != nil {
		return "", fmt.Errorf("pgstorage: get study name: %w", err)
	}
	return name, nil
}

func (s *Storage) GetStudyDirections(ctx context.Context, studyID int) ([]ascent.StudyDirection, error) {
	var raw []byte
	err := s.withRetry(ctx, func() error {
		return classify(s.pool.QueryRow(ctx, `SELECT directions FROM studies WHERE id = $1`, studyID).Scan(&raw))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstorage: get study directions: %w", err)
	}
	var directions []ascent.StudyDirection
	if err := json.Unmarshal(raw, &directions); err != nil {
		return nil, fmt.Errorf("pgstorage: decode directions: %w", err)
	}
	return directions, nil
}

func (s *Storage) SetStudyUserAttr(ctx context.Context, studyID int, key, value string) error {
	return s.setStudyAttr(ctx, studyID, key, value, false)
}

func (s *Storage) SetStudySystemAttr(ctx context.Context, studyID int, key, value string) error {
	return s.setStudyAttr(ctx, studyID, key, value, true)
}

func (s *Storage) setStudyAttr(ctx context.Context, studyID int, key, value string, system bool) error {
	err := s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO study_attrs (study_id, is_system, key, value)
			 SELECT id, $2, $3, $4 FROM studies WHERE id = $1
			 ON CONFLICT (study_id, is_system, key) DO UPDATE SET value = EXCLUDED.value`,
			studyID, system, key, value,
		)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ascent.ErrNotFound) {
		return fmt.Errorf("pgstorage: set study attr: %w", err)
	}
	return err
}

func (s *Storage) GetStudyUserAttrs(ctx context.Context, studyID int) (map[string]string, error) {
	return s.studyAttrs(ctx, studyID, false)
}

func (s *Storage) GetStudySystemAttrs(ctx context.Context, studyID int) (map[string]string, error) {
	return s.studyAttrs(ctx, studyID, true)
}

func (s *Storage) studyAttrs(ctx context.Context, studyID int, system bool) (map[string]string, error) {
	attrs := make(map[string]string)
	err := s.withRetry(ctx, func() error {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM studies WHERE id = $1)`, studyID).Scan(&exists); err != nil {
			return classify(err)
		}
		if !exists {
			return fmt.Errorf("%w: study %d", ascent.ErrNotFound, studyID)
		}
		rows, err := s.pool.Query(ctx,
			`SELECT key, value FROM study_attrs WHERE study_id = $1 AND is_system = $2`,
			studyID, system,
		)
		if err != nil {
			return classify(err)
		}
		defer rows.Close()
		clear(attrs)
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return classify(err)
			}
			attrs[k] = v
		}
		return classify(rows.Err())
	})
	if err != nil {
		if errors.Is(err, ascent.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("pgstorage: get study attrs: %w", err)
	}
	return attrs, nil
}
