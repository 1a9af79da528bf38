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

package model

import "time"

type ProcessStatus string

const (
	ProcessQueued     ProcessStatus = "queued"
	ProcessInProgress ProcessStatus = "in_progress"
	ProcessFinished   ProcessStatus = "finished"
	ProcessError      ProcessStatus = "error"
	ProcessKilled     ProcessStatus = "killed"
	ProcessCancelled  ProcessStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessFinished, ProcessError, ProcessKilled, ProcessCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an activity may move from s to next.
// Statuses only move forward: queued -> in_progress -> terminal, or
// queued -> terminal when the task never started.
func (s ProcessStatus) CanTransition(next ProcessStatus) bool {
	switch s {
	case ProcessQueued:
		return next == ProcessInProgress || next.IsTerminal()
	case ProcessInProgress:
		return next.IsTerminal()
	}
	return false
}

// SubjectRef points at the resource an activity was performed on. It is
// resolved on demand and never owns the resource.
type SubjectRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

const (
	ActivityInline = "inline"
	ActivityDeploy = "deploy"
)

type ActivityProperties struct {
	ServerUUID        string         `json:"server_uuid"`
	Commands          []string       `json:"commands"`
	IgnoreErrors      bool           `json:"ignore_errors"`
	CallEventOnFinish EventKind      `json:"call_event_on_finish,omitempty"`
	CallEventData     map[string]any `json:"call_event_data,omitempty"`
	Error             string         `json:"error,omitempty"`
	Exceptions        int            `json:"exceptions,omitempty"`
	ExitCode          *int           `json:"exit_code,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
}

// Activity is the durable record of one remote task. Output only grows.
type Activity struct {
	ID         int64
	Subject    *SubjectRef
	Event      string
	Status     ProcessStatus
	Properties ActivityProperties
	Output     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
