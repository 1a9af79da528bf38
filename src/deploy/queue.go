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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/store"
)

// Request is one ask to deploy an application at a commit.
type Request struct {
	// DeploymentUUID is generated when empty.
	DeploymentUUID string
	Commit         string
	Branch         string
	ServerID       int64
	DestinationID  int64
	ForceRebuild   bool
	IsWebhook      bool
	PullRequestID  int
	GitType        string
	ChangedFiles   []string
}

type Limits struct {
	// Application caps queued plus in-progress entries per application.
	Application int
	// Server caps queued plus in-progress entries per server.
	Server int
}

// Queue is the admission gate in front of the deployment queue table.
type Queue struct {
	store  *store.DeploymentStore
	limits func(appID, serverID int64) Limits

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewQueue(s *store.DeploymentStore, limits func(appID, serverID int64) Limits) *Queue {
	return &Queue{store: s, limits: limits, locks: make(map[int64]*sync.Mutex)}
}

func (q *Queue) appLock(appID int64) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[appID] = l
	}
	return l
}

// Admit decides whether req becomes a queued deployment. Skips and full
// queues are ordinary outcomes returned in the result; err is reserved for
// storage failures.
func (q *Queue) Admit(ctx context.Context, appID int64, req Request) (model.AdmissionResult, error) {
	// serializes admissions in this process; the store transaction does the
	// same across processes
	l := q.appLock(appID)
	l.Lock()
	defer l.Unlock()

	limits := q.limits(appID, req.ServerID)
	var result model.AdmissionResult
	err := q.store.Admit(ctx, req.ServerID, appID, func(tx *store.AdmissionTx) error {
		active, err := tx.Active(ctx, appID)
		if err != nil {
			return err
		}
		if dup := duplicateOf(active, req); dup != nil {
			result = skippedFor(dup)
			return nil
		}
		if limits.Application > 0 && len(active) >= limits.Application {
			result = model.AdmissionResult{
				Status:  model.AdmissionQueueFull,
				Message: fmt.Sprintf("Deployment queue is full for this application (%d active). Try again later.", len(active)),
			}
			return nil
		}
		if limits.Server > 0 {
			onServer, err := tx.CountActiveOnServer(ctx, req.ServerID)
			if err != nil {
				return err
			}
			if onServer >= limits.Server {
				result = model.AdmissionResult{
					Status:  model.AdmissionQueueFull,
					Message: fmt.Sprintf("Deployment queue is full for this server (%d active). Try again later.", onServer),
				}
				return nil
			}
		}

		d := &model.Deployment{
			ApplicationID:  appID,
			DeploymentUUID: req.DeploymentUUID,
			Commit:         req.Commit,
			Branch:         req.Branch,
			ServerID:       req.ServerID,
			DestinationID:  req.DestinationID,
			ForceRebuild:   req.ForceRebuild,
			IsWebhook:      req.IsWebhook,
			PullRequestID:  req.PullRequestID,
			GitType:        req.GitType,
			ChangedFiles:   req.ChangedFiles,
		}
		if d.DeploymentUUID == "" {
			d.DeploymentUUID = uuid.NewString()
		}
		if err := tx.Insert(ctx, d); err != nil {
			return err
		}
		result = model.AdmissionResult{Status: model.AdmissionQueued, DeploymentUUID: d.DeploymentUUID, Message: "Deployment queued."}
		return nil
	})
	if err != nil {
		return model.AdmissionResult{}, fmt.Errorf("admitting deployment for application %d: %w", appID, err)
	}

	logging.Count(ctx, logging.AdmissionsTotal, attribute.String("status", string(result.Status)))
	logging.LogAttrs(ctx, slog.LevelInfo, "deployment admission",
		slog.Int64("application_id", appID),
		slog.String("status", string(result.Status)),
		slog.String("commit", req.Commit),
		slog.String("deployment_uuid", result.DeploymentUUID))
	return result, nil
}

// duplicateOf returns the active entry that already covers req. Forced
// rebuilds are never duplicates. An in-progress entry only counts when req
// brings no changed files it has not seen.
func duplicateOf(active []*model.Deployment, req Request) *model.Deployment {
	if req.ForceRebuild {
		return nil
	}
	for _, d := range active {
		if d.Commit != req.Commit || d.PullRequestID != req.PullRequestID {
			continue
		}
		if d.Status == model.DeploymentQueued {
			return d
		}
		if d.Status == model.DeploymentInProgress && !hasNewFiles(d.ChangedFiles, req.ChangedFiles) {
			return d
		}
	}
	return nil
}

func hasNewFiles(seen, incoming []string) bool {
	for _, f := range incoming {
		if !slices.Contains(seen, f) {
			return true
		}
	}
	return false
}

func skippedFor(d *model.Deployment) model.AdmissionResult {
	msg := "Deployment already queued for this commit."
	if d.Status == model.DeploymentInProgress {
		msg = "Deployment already in progress for this commit."
	}
	return model.AdmissionResult{Status: model.AdmissionSkipped, DeploymentUUID: d.DeploymentUUID, Message: msg}
}

// CancelPullRequest cancels the pull request's queued deployments and returns
// their uuids. Deployments already running are left to finish.
func (q *Queue) CancelPullRequest(ctx context.Context, appID int64, pullRequestID int) ([]string, error) {
	l := q.appLock(appID)
	l.Lock()
	defer l.Unlock()

	all, err := q.store.ListByApplication(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("listing deployments of application %d: %w", appID, err)
	}
	var cancelled []string
	for _, d := range all {
		if d.Status != model.DeploymentQueued || d.PullRequestID != pullRequestID {
			continue
		}
		err := q.store.Cancel(ctx, d.DeploymentUUID)
		if errors.Is(err, store.ErrInvalidTransition) {
			// a runner claimed it in the meantime
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, d.DeploymentUUID)
	}
	return cancelled, nil
}
