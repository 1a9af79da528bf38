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
	"fmt"
	"log/slog"
	"time"

	"kaifyworker/src/logging"
)

const interruptedMessage = "Marked as failed during startup - job was interrupted"

type RecoveryReport struct {
	Deployments int64
	Tasks       int64
	Backups     int64
}

// Recover force-fails work that was queued or running when the previous
// process died. It must run once at startup, before any worker or runner
// starts, because in_progress deployment rows are the only lease on an
// application's deployment slot. Each step runs independently; a failing
// step is logged and does not stop the others.
func Recover(ctx context.Context, db *DB) (RecoveryReport, error) {
	var report RecoveryReport
	var firstErr error
	now := time.Now().UTC()

	steps := []struct {
		name  string
		count *int64
		query string
		args  []any
	}{
		{"deployments", &report.Deployments,
			`UPDATE deployment_queue SET status = 'failed', message = $1, finished_at = $2
			WHERE status IN ('in_progress', 'queued')`, []any{interruptedMessage, now}},
		{"scheduled task executions", &report.Tasks,
			`UPDATE scheduled_task_executions SET status = 'failed', message = $1, finished_at = $2
			WHERE status = 'running'`, []any{interruptedMessage, now}},
		{"database backup executions", &report.Backups,
			`UPDATE scheduled_backup_executions SET status = 'failed', message = $1, finished_at = $2
			WHERE status = 'running'`, []any{interruptedMessage, now}},
	}

	for _, step := range steps {
		res, err := db.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			logging.Log(fmt.Sprintf("Could not cleanup stuck %s: %v", step.name, err), slog.LevelError)
			if firstErr == nil {
				firstErr = fmt.Errorf("recovering %s: %w", step.name, err)
			}
			continue
		}
		n, _ := res.RowsAffected()
		*step.count = n
		if n > 0 {
			logging.Log(fmt.Sprintf("Marked %d stuck %s as failed", n, step.name), slog.LevelInfo)
		}
	}
	return report, firstErr
}
