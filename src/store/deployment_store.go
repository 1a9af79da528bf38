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
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"

	"kaifyworker/src/model"
)

// Advisory lock key spaces for Postgres admission transactions.
const (
	lockSpaceServer      = "server"
	lockSpaceApplication = "application"
)

// advisoryKey maps an id in a key space onto the single bigint key of
// pg_advisory_xact_lock.
func advisoryKey(space string, id int64) int64 {
	return int64(xxhash.Sum64String(space + ":" + strconv.FormatInt(id, 10)))
}

func lockAdvisory(ctx context.Context, tx *sql.Tx, space string, id int64) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(space, id)); err != nil {
		return fmt.Errorf("locking %s %d: %w", space, id, err)
	}
	return nil
}

type DeploymentStore struct {
	db  *DB
	now func() time.Time
}

func NewDeploymentStore(db *DB) *DeploymentStore {
	return &DeploymentStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const deploymentCols = "id, application_id, deployment_uuid, commit_sha, branch, server_id, destination_id, status, " +
	"force_rebuild, is_webhook, pull_request_id, git_type, changed_files, message, created_at, started_at, finished_at"

func scanDeployment(row scanner) (*model.Deployment, error) {
	var (
		d          model.Deployment
		status     string
		changed    string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.ApplicationID, &d.DeploymentUUID, &d.Commit, &d.Branch, &d.ServerID, &d.DestinationID,
		&status, &d.ForceRebuild, &d.IsWebhook, &d.PullRequestID, &d.GitType, &changed, &d.Message,
		&d.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Status = model.DeploymentStatus(status)
	if err := json.Unmarshal([]byte(changed), &d.ChangedFiles); err != nil {
		return nil, fmt.Errorf("decoding changed files of %s: %w", d.DeploymentUUID, err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		d.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		d.FinishedAt = &t
	}
	return &d, nil
}

func collectDeployments(rows *sql.Rows) ([]*model.Deployment, error) {
	defer rows.Close()
	var out []*model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AdmissionTx is the view of the queue available while an admission
// decision is being made. Every query runs inside the same transaction.
type AdmissionTx struct {
	tx  *sql.Tx
	now time.Time
}

// Admit runs fn in a transaction that holds the server and application
// admission locks, so decisions for one application are serialized across
// processes. fn's error rolls the transaction back.
func (s *DeploymentStore) Admit(ctx context.Context, serverID, appID int64, fn func(*AdmissionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.db.Dialect == Postgres {
		// server before application, always, to keep lock order stable
		if err := lockAdvisory(ctx, tx, lockSpaceServer, serverID); err != nil {
			return err
		}
		if err := lockAdvisory(ctx, tx, lockSpaceApplication, appID); err != nil {
			return err
		}
	}

	if err := fn(&AdmissionTx{tx: tx, now: s.now()}); err != nil {
		return err
	}
	return tx.Commit()
}

// Active lists the application's queued and in-progress entries, oldest first.
func (a *AdmissionTx) Active(ctx context.Context, appID int64) ([]*model.Deployment, error) {
	rows, err := a.tx.QueryContext(ctx, `SELECT `+deploymentCols+` FROM deployment_queue
		WHERE application_id = $1 AND status IN ('queued', 'in_progress') ORDER BY created_at, id`, appID)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

func (a *AdmissionTx) CountActiveOnServer(ctx context.Context, serverID int64) (int, error) {
	var n int
	err := a.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployment_queue
		WHERE server_id = $1 AND status IN ('queued', 'in_progress')`, serverID).Scan(&n)
	return n, err
}

func (a *AdmissionTx) Insert(ctx context.Context, d *model.Deployment) error {
	changed, err := json.Marshal(nonNil(d.ChangedFiles))
	if err != nil {
		return err
	}
	d.Status = model.DeploymentQueued
	d.CreatedAt = a.now
	err = a.tx.QueryRowContext(ctx, `INSERT INTO deployment_queue (application_id, deployment_uuid, commit_sha, branch,
		server_id, destination_id, status, force_rebuild, is_webhook, pull_request_id, git_type, changed_files, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		d.ApplicationID, d.DeploymentUUID, d.Commit, d.Branch, d.ServerID, d.DestinationID, string(d.Status),
		d.ForceRebuild, d.IsWebhook, d.PullRequestID, d.GitType, string(changed), d.Message, d.CreatedAt).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("inserting deployment %s: %w", d.DeploymentUUID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *DeploymentStore) Get(ctx context.Context, deploymentUUID string) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentCols+` FROM deployment_queue WHERE deployment_uuid = $1`, deploymentUUID)
	return scanDeployment(row)
}

func (s *DeploymentStore) ListByApplication(ctx context.Context, appID int64) ([]*model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentCols+` FROM deployment_queue
		WHERE application_id = $1 ORDER BY created_at, id`, appID)
	if err != nil {
		return nil, err
	}
	return collectDeployments(rows)
}

// ClaimNext moves the oldest queued entry on the server whose application has
// no deployment in progress to in_progress. It returns ErrNotFound when there
// is nothing to run or the server is at capacity.
func (s *DeploymentStore) ClaimNext(ctx context.Context, serverID int64, serverCap int) (*model.Deployment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if s.db.Dialect == Postgres {
		// same lock as admission, so the count below holds until commit
		if err := lockAdvisory(ctx, tx, lockSpaceServer, serverID); err != nil {
			return nil, err
		}
	}
	if serverCap > 0 {
		var running int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployment_queue WHERE server_id = $1 AND status = 'in_progress'`,
			serverID).Scan(&running); err != nil {
			return nil, err
		}
		if running >= serverCap {
			return nil, ErrNotFound
		}
	}

	query := `SELECT ` + deploymentCols + ` FROM deployment_queue q
		WHERE q.status = 'queued' AND q.server_id = $1
		AND NOT EXISTS (SELECT 1 FROM deployment_queue p WHERE p.application_id = q.application_id AND p.status = 'in_progress')
		ORDER BY q.created_at, q.id LIMIT 1`
	if s.db.Dialect == Postgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	d, err := scanDeployment(tx.QueryRowContext(ctx, query, serverID))
	if err != nil {
		return nil, err
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE deployment_queue SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(model.DeploymentInProgress), now, d.ID, string(model.DeploymentQueued))
	if err != nil {
		if isUniqueViolation(err) {
			// another runner took the application's slot first
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	d.Status = model.DeploymentInProgress
	d.StartedAt = &now
	return d, nil
}

// Finish releases the application's slot by moving an in_progress entry to a
// final status.
func (s *DeploymentStore) Finish(ctx context.Context, deploymentUUID string, status model.DeploymentStatus, message string) error {
	if status != model.DeploymentFinished && status != model.DeploymentFailed && status != model.DeploymentCancelled {
		return fmt.Errorf("finish %s with %s: %w", deploymentUUID, status, ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE deployment_queue SET status = $1, message = $2, finished_at = $3
		WHERE deployment_uuid = $4 AND status = 'in_progress'`, string(status), message, s.now(), deploymentUUID)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("deployment %s is not in progress: %w", deploymentUUID, ErrInvalidTransition)
	}
	return nil
}

// Cancel stops a queued entry from ever starting. In-progress deployments
// are not interrupted.
func (s *DeploymentStore) Cancel(ctx context.Context, deploymentUUID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deployment_queue SET status = 'cancelled', message = $1, finished_at = $2
		WHERE deployment_uuid = $3 AND status = 'queued'`, "Cancelled before start.", s.now(), deploymentUUID)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("deployment %s is not queued: %w", deploymentUUID, ErrInvalidTransition)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
