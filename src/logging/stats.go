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

package logging

import (
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	TasksProcessed   uint64    `json:"tasks_processed"`
	TasksSuccessful  uint64    `json:"tasks_successful"`
	TasksFailed      uint64    `json:"tasks_failed"`
	DatabaseFailures uint64    `json:"database_failures"`
	CurrentActivity  *int64    `json:"current_activity,omitempty"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// UpdateStats adds the given deltas. A non-nil current replaces the activity
// being processed; pass nil to clear it.
func (s *WorkerStats) UpdateStats(processed, success, failed, databaseFailures uint64, current *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed += processed
	s.statusResponse.TasksSuccessful += success
	s.statusResponse.TasksFailed += failed
	s.statusResponse.DatabaseFailures += databaseFailures
	s.statusResponse.CurrentActivity = current
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
