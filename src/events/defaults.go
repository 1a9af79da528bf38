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

package events

import (
	"kaifyworker/src/model"
	"kaifyworker/src/remote"
)

type Deps struct {
	Runner   remote.Runner
	Servers  ServerLookup
	Apps     ApplicationLookup
	Poster   CommentPoster
	Chat     *ChatNotifier
	Notifier Notifier
	// RefreshChannel is the notification channel for activity_refresh.
	RefreshChannel string
}

// NewDefaultRegistry registers a handler for every kind whose dependencies
// are present.
func NewDefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	if d.Runner != nil && d.Servers != nil {
		r.Register(model.EventRestoreFinished, RestoreCleanup(d.Runner, d.Servers))
		r.Register(model.EventS3RestoreFinish, S3RestoreCleanup(d.Runner, d.Servers))
	}
	if d.Poster != nil && d.Apps != nil {
		r.Register(model.EventPRCommentUpdate, PRCommentUpdate(d.Poster, d.Apps))
	}
	if d.Chat != nil {
		r.Register(model.EventChatNotify, ChatNotify(d.Chat, d.Apps))
	}
	if d.Notifier != nil && d.RefreshChannel != "" {
		r.Register(model.EventActivityRefresh, ActivityRefresh(d.Notifier, d.RefreshChannel))
	}
	return r
}
