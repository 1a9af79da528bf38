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
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DB is a *sql.DB that knows which SQL dialect it speaks. Queries use $N
// placeholders in order of first appearance so both drivers bind them alike.
type DB struct {
	*sql.DB
	Dialect Dialect
}

func Open(driver, dsn string) (*DB, error) {
	d := Dialect(driver)
	if d != Postgres && d != SQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if d == SQLite {
		// one writer at a time; admission relies on serialized transactions
		db.SetMaxOpenConns(1)
	}
	return &DB{DB: db, Dialect: d}, nil
}

func (db *DB) schema() []string {
	id, ts := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	if db.Dialect == SQLite {
		id, ts = "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	}
	r := strings.NewReplacer("{{id}}", id, "{{ts}}", ts)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id           {{id}},
			subject_type TEXT NULL,
			subject_id   BIGINT NULL,
			event        TEXT NOT NULL,
			status       TEXT NOT NULL,
			properties   TEXT NOT NULL,
			output       TEXT NOT NULL DEFAULT '',
			created_at   {{ts}} NOT NULL,
			updated_at   {{ts}} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS activities_subject ON activities (subject_type, subject_id, event)`,
		`CREATE TABLE IF NOT EXISTS deployment_queue (
			id              {{id}},
			application_id  BIGINT NOT NULL,
			deployment_uuid TEXT NOT NULL UNIQUE,
			commit_sha      TEXT NOT NULL,
			branch          TEXT NOT NULL DEFAULT '',
			server_id       BIGINT NOT NULL,
			destination_id  BIGINT NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			force_rebuild   BOOLEAN NOT NULL DEFAULT FALSE,
			is_webhook      BOOLEAN NOT NULL DEFAULT FALSE,
			pull_request_id INTEGER NOT NULL DEFAULT 0,
			git_type        TEXT NOT NULL DEFAULT '',
			changed_files   TEXT NOT NULL DEFAULT '[]',
			message         TEXT NOT NULL DEFAULT '',
			created_at      {{ts}} NOT NULL,
			started_at      {{ts}} NULL,
			finished_at     {{ts}} NULL
		)`,
		`CREATE INDEX IF NOT EXISTS deployment_queue_app_status ON deployment_queue (application_id, status)`,
		`CREATE INDEX IF NOT EXISTS deployment_queue_server_status ON deployment_queue (server_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS deployment_queue_one_in_progress
			ON deployment_queue (application_id) WHERE status = 'in_progress'`,
		`CREATE TABLE IF NOT EXISTS scheduled_task_executions (
			id          {{id}},
			task_id     BIGINT NOT NULL,
			status      TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			started_at  {{ts}} NULL,
			finished_at {{ts}} NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_backup_executions (
			id          {{id}},
			backup_id   BIGINT NOT NULL,
			status      TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			started_at  {{ts}} NULL,
			finished_at {{ts}} NULL
		)`,
	}
	for i, s := range stmts {
		stmts[i] = r.Replace(s)
	}
	return stmts
}

// Migrate creates the tables the core needs. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range db.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Notify publishes payload on a Postgres channel. SQLite has no
// notifications; listeners there fall back to polling.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if db.Dialect != Postgres {
		return nil
	}
	_, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}
