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

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"kaifyworker/src/events"
	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/remote"
)

var trustedAssociations = []string{"OWNER", "MEMBER", "COLLABORATOR", "CONTRIBUTOR"}

type ServerLookup interface {
	ServerByID(id int64) (model.Server, bool)
}

type DispatchRequest struct {
	DeploymentUUID string
	Commit         string
	Branch         string
	ForceRebuild   bool
	IsWebhook      bool
	PullRequestID  int
	GitType        string
	ChangedFiles   []string
	// AuthorAssociation is the pull request author's relation to the
	// repository as reported by the git provider.
	AuthorAssociation string
}

// Dispatcher applies application-level rules before handing a request to
// the queue.
type Dispatcher struct {
	queue   *Queue
	servers ServerLookup
	events  remote.EventEmitter
}

// NewDispatcher builds a dispatcher. emitter may be nil, in which case pull
// request comments are left alone.
func NewDispatcher(queue *Queue, servers ServerLookup, emitter remote.EventEmitter) *Dispatcher {
	return &Dispatcher{queue: queue, servers: servers, events: emitter}
}

func skipped(msg string) model.AdmissionResult {
	return model.AdmissionResult{Status: model.AdmissionSkipped, Message: msg}
}

func (d *Dispatcher) Dispatch(ctx context.Context, app model.Application, req DispatchRequest) (model.AdmissionResult, error) {
	if !app.IsDeployable() {
		return skipped("Deployments disabled."), nil
	}
	if d.servers != nil {
		server, ok := d.servers.ServerByID(app.ServerID)
		if !ok || !server.IsFunctional() {
			return skipped("Server is not functional."), nil
		}
	}
	if req.PullRequestID != 0 {
		if !app.IsPRDeployable() {
			return skipped("Preview deployments disabled."), nil
		}
		if !app.PublicPRDeployments && !slices.Contains(trustedAssociations, req.AuthorAssociation) {
			return skipped("Pull request author is not trusted for preview deployments."), nil
		}
	}
	// nil ChangedFiles means the caller does not know them; nothing to filter on
	if len(app.WatchPaths) > 0 && req.ChangedFiles != nil && !MatchesWatchPaths(app.WatchPaths, req.ChangedFiles) {
		return skipped("Changed files do not match watch paths."), nil
	}

	branch := req.Branch
	if branch == "" {
		branch = app.GitBranch
	}
	return d.queue.Admit(ctx, app.ID, Request{
		DeploymentUUID: req.DeploymentUUID,
		Commit:         req.Commit,
		Branch:         branch,
		ServerID:       app.ServerID,
		DestinationID:  app.DestinationID,
		ForceRebuild:   req.ForceRebuild,
		IsWebhook:      req.IsWebhook,
		PullRequestID:  req.PullRequestID,
		GitType:        req.GitType,
		ChangedFiles:   req.ChangedFiles,
	})
}

// QueueApplicationDeployment is the call used by webhook handlers and UI
// actions.
func (d *Dispatcher) QueueApplicationDeployment(ctx context.Context, app model.Application, deploymentUUID, commit string, forceRebuild, isWebhook bool, pullRequestID int) (model.AdmissionResult, error) {
	if commit == "" {
		commit = "HEAD"
	}
	return d.Dispatch(ctx, app, DispatchRequest{
		DeploymentUUID: deploymentUUID,
		Commit:         commit,
		ForceRebuild:   forceRebuild,
		IsWebhook:      isWebhook,
		PullRequestID:  pullRequestID,
		// callers of this form have already vetted the author
		AuthorAssociation: "OWNER",
	})
}

// ClosePullRequest cleans up after a closed pull request: its queued preview
// deployments are cancelled and the preview comment is removed. It runs
// regardless of the application's preview setting.
func (d *Dispatcher) ClosePullRequest(ctx context.Context, app model.Application, pullRequestID int) ([]string, error) {
	cancelled, err := d.queue.CancelPullRequest(ctx, app.ID, pullRequestID)
	if err != nil {
		return cancelled, err
	}
	if len(cancelled) > 0 {
		logging.Log(fmt.Sprintf("Cancelled %d queued preview deployments of application %d for closed pull request #%d", len(cancelled), app.ID, pullRequestID), slog.LevelInfo)
	}
	if d.events != nil {
		err := d.events.Dispatch(ctx, model.EventPRCommentUpdate, map[string]any{
			"application_id":  app.ID,
			"pull_request_id": pullRequestID,
			"status":          events.StatusClosed,
		})
		if err != nil {
			logging.Log(fmt.Sprintf("Failed to remove preview comment of pull request #%d: %v", pullRequestID, err), slog.LevelWarn)
		}
	}
	return cancelled, nil
}
