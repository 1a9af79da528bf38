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

import "errors"

// EventKind names a completion event known at compile time.
type EventKind string

const (
	EventNone            EventKind = ""
	EventRestoreFinished EventKind = "restore_finished"
	EventS3RestoreFinish EventKind = "s3_restore_finished"
	EventPRCommentUpdate EventKind = "pr_comment_update"
	EventChatNotify      EventKind = "chat_notify"
	EventActivityRefresh EventKind = "activity_refresh"
)

var ErrEmptyCommands = errors.New("task has no commands")

// TaskSpec is one ordered batch of shell commands against a single server.
type TaskSpec struct {
	ActivityID        int64
	Server            Server
	Commands          []string
	IgnoreErrors      bool
	CallEventOnFinish EventKind
	CallEventData     map[string]any
}

func (t TaskSpec) Validate() error {
	if len(t.Commands) == 0 {
		return ErrEmptyCommands
	}
	if t.Server.UUID == "" {
		return errors.New("task has no target server")
	}
	return nil
}

// EventPayload merges the caller supplied data with the final status.
func (t TaskSpec) EventPayload(status ProcessStatus) map[string]any {
	out := make(map[string]any, len(t.CallEventData)+1)
	for k, v := range t.CallEventData {
		out[k] = v
	}
	out["status"] = string(status)
	return out
}
