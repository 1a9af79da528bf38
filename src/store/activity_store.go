// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kaifyworker/src/model"
)

// ActivityStore persists activities. Status writes are guarded so that a
// record only moves forward and reaches a terminal status once.
type ActivityStore struct {
	db  *DB
	now func() time.Time
}

func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const activityCols = "id, subject_type, subject_id, event, status, properties, output, created_at, updated_at"

func scanActivity(row scanner) (*model.Activity, error) {
	var (
		a           model.Activity
		subjectType sql.NullString
		subjectID   sql.NullInt64
		props       string
		status      string
	)
	if err := row.Scan(&a.ID, &subjectType, &subjectID, &a.Event, &status, &props, &a.Output, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Status = model.ProcessStatus(status)
	if subjectType.Valid {
		a.Subject = &model.SubjectRef{Type: subjectType.String, ID: subjectID.Int64}
	}
	if err := json.Unmarshal([]byte(props), &a.Properties); err != nil {
		return nil, fmt.Errorf("decoding activity %d properties: %w", a.ID, err)
	}
	return &a, nil
}

// Create inserts a queued activity and fills in its id and timestamps.
func (s *ActivityStore) Create(ctx context.Context, a *model.Activity) error {
	props, err := json.Marshal(a.Properties)
	if err != nil {
		return err
	}
	var subjectType sql.NullString
	var subjectID sql.NullInt64
	if a.Subject != nil {
		subjectType = sql.NullString{String: a.Subject.Type, Valid: true}
		subjectID = sql.NullInt64{Int64: a.Subject.ID, Valid: true}
	}
	now := s.now()
	a.Status = model.ProcessQueued
	err = s.db.QueryRowContext(ctx, `INSERT INTO activities (subject_type, subject_id, event, status, properties, output, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		subjectType, subjectID, a.Event, string(a.Status), string(props), a.Output, now, now).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *ActivityStore) Get(ctx context.Context, id int64) (*model.Activity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id = $1`, id)
	return scanActivity(row)
}

// ListBySubject returns the activities performed on a subject, newest first.
// An empty event matches every event type.
func (s *ActivityStore) ListBySubject(ctx context.Context, subject model.SubjectRef, event string) ([]*model.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+activityCols+` FROM activities
		WHERE subject_type = $1 AND subject_id = $2 AND ($3 = '' OR event = $3)
		ORDER BY id DESC`, subject.Type, subject.ID, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendOutput adds a chunk to the activity's output buffer.
func (s *ActivityStore) AppendOutput(ctx context.Context, id int64, chunk string) error {
	if chunk == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE activities SET output = output || $1, updated_at = $2 WHERE id = $3`,
		chunk, s.now(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *ActivityStore) MarkStarted(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.ProcessInProgress, func(p *model.ActivityProperties, now time.Time) {
		p.StartedAt = &now
	})
}

func (s *ActivityStore) MarkFinished(ctx context.Context, id int64, exitCode int) error {
	return s.transition(ctx, id, model.ProcessFinished, func(p *model.ActivityProperties, now time.Time) {
		p.FinishedAt = &now
		p.ExitCode = &exitCode
	})
}

// MarkFailed records the terminal error of an activity.
func (s *ActivityStore) MarkFailed(ctx context.Context, id int64, cause error) error {
	return s.transition(ctx, id, model.ProcessError, func(p *model.ActivityProperties, now time.Time) {
		p.Error = cause.Error()
		p.FailedAt = &now
	})
}

// RecordException bumps the count of unexpected failures seen by a running
// activity and returns the new count.
func (s *ActivityStore) RecordException(ctx context.Context, id int64) (int, error) {
	var status, raw string
	err := s.db.QueryRowContext(ctx, `SELECT status, properties FROM activities WHERE id = $1`, id).Scan(&status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if model.ProcessStatus(status).IsTerminal() {
		return 0, fmt.Errorf("activity %d is %s: %w", id, status, ErrInvalidTransition)
	}
	var props model.ActivityProperties
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return 0, fmt.Errorf("decoding activity %d properties: %w", id, err)
	}
	props.Exceptions++
	updated, err := json.Marshal(props)
	if err != nil {
		return 0, err
	}
	// compare-and-set on the raw properties text
	res, err := s.db.ExecContext(ctx, `UPDATE activities SET properties = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND properties = $5`, string(updated), s.now(), id, status, raw)
	if err != nil {
		return 0, err
	}
	if err := expectOne(res); err != nil {
		return 0, fmt.Errorf("activity %d changed concurrently: %w", id, ErrInvalidTransition)
	}
	return props.Exceptions, nil
}

// SetStatus moves an activity to killed or cancelled.
func (s *ActivityStore) SetStatus(ctx context.Context, id int64, status model.ProcessStatus) error {
	if status != model.ProcessKilled && status != model.ProcessCancelled {
		return fmt.Errorf("activity %d cannot be set to %s: %w", id, status, ErrInvalidTransition)
	}
	return s.transition(ctx, id, status, func(p *model.ActivityProperties, now time.Time) {
		p.FinishedAt = &now
	})
}

// transition performs a compare-and-set on status: the UPDATE only matches
// when the row still holds the status we read, so concurrent writers cannot
// both win.
func (s *ActivityStore) transition(ctx context.Context, id int64, next model.ProcessStatus, mutate func(*model.ActivityProperties, time.Time)) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("activity %d %s -> %s: %w", id, a.Status, next, ErrInvalidTransition)
	}
	now := s.now()
	mutate(&a.Properties, now)
	props, err := json.Marshal(a.Properties)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE activities SET status = $1, properties = $2, updated_at = $3
		WHERE id = $4 AND status = $5`, string(next), string(props), now, id, string(a.Status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("activity %d changed concurrently before %s: %w", id, next, ErrInvalidTransition)
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
