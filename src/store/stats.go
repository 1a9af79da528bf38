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
	"time"
)

// GlobalStats represents system-wide deployment and activity metrics.
type GlobalStats struct {
	TotalDeployments      int     `json:"total_deployments"`
	QueuedDeployments     int     `json:"queued_deployments"`
	InProgressDeployments int     `json:"in_progress_deployments"`
	FinishedDeployments   int     `json:"finished_deployments"`
	FailedDeployments     int     `json:"failed_deployments"`
	RunningActivities     int     `json:"running_activities"`
	FailedActivities      int     `json:"failed_activities"`
	AvgExecutionSec       float64 `json:"avg_execution_seconds"`
	ThroughputPerHour     float64 `json:"throughput_deployments_per_hour"`
}

// GlobalStats counts deployments by status and measures the last hour of
// finished deployments. Durations are computed here rather than in SQL so
// the query reads the same on both dialects.
func (db *DB) GlobalStats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats
	err := db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'finished' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM deployment_queue`).Scan(
		&gs.TotalDeployments, &gs.QueuedDeployments, &gs.InProgressDeployments,
		&gs.FinishedDeployments, &gs.FailedDeployments)
	if err != nil {
		return gs, err
	}

	err = db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		FROM activities`).Scan(&gs.RunningActivities, &gs.FailedActivities)
	if err != nil {
		return gs, err
	}

	rows, err := db.QueryContext(ctx, `SELECT started_at, finished_at FROM deployment_queue
		WHERE status = 'finished' AND started_at IS NOT NULL AND finished_at > $1`, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return gs, err
	}
	defer rows.Close()
	var total time.Duration
	var n int
	for rows.Next() {
		var started, finished sql.NullTime
		if err := rows.Scan(&started, &finished); err != nil {
			return gs, err
		}
		if started.Valid && finished.Valid {
			total += finished.Time.Sub(started.Time)
			n++
		}
	}
	if err := rows.Err(); err != nil {
		return gs, err
	}
	if n > 0 {
		gs.AvgExecutionSec = total.Seconds() / float64(n)
	}
	gs.ThroughputPerHour = float64(n)
	return gs, nil
}
