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
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/remote"
	"kaifyworker/src/store"
)

// Catalog resolves the servers and applications deployments run against.
type Catalog interface {
	Servers() []model.Server
	ServerByID(id int64) (model.Server, bool)
	ApplicationByID(id int64) (model.Application, bool)
}

type ActivityStarter interface {
	Create(ctx context.Context, a *model.Activity) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	SetStatus(ctx context.Context, id int64, status model.ProcessStatus) error
}

type TaskExecutor interface {
	Execute(ctx context.Context, spec model.TaskSpec) (remote.Result, error)
}

// Notifier wakes runners in other processes.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

type RunnerConfig struct {
	// ConcurrentBuilds applies to servers that do not set their own limit.
	ConcurrentBuilds int
	PollInterval     time.Duration
	Timeout          time.Duration
	// BaseURL links build logs from pull request comments.
	BaseURL string
}

type RunnerOptions struct {
	Events   remote.EventEmitter
	Notifier Notifier
}

// Runner moves queued deployments to in_progress, runs the application's
// deploy commands and releases the slot when they end.
type Runner struct {
	deployments *store.DeploymentStore
	activities  ActivityStarter
	executor    TaskExecutor
	catalog     Catalog
	events      remote.EventEmitter
	notifier    Notifier
	cfg         RunnerConfig

	wg   sync.WaitGroup
	done chan struct{}
}

func NewRunner(deployments *store.DeploymentStore, activities ActivityStarter, executor TaskExecutor, catalog Catalog, cfg RunnerConfig, opts RunnerOptions) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Runner{
		deployments: deployments,
		activities:  activities,
		executor:    executor,
		catalog:     catalog,
		events:      opts.Events,
		notifier:    opts.Notifier,
		cfg:         cfg,
		done:        make(chan struct{}, 1),
	}
}

// Run polls for work until ctx is cancelled. wake carries queue notifications
// from Postgres and may be nil; the ticker covers dropped notifications.
func (r *Runner) Run(ctx context.Context, wake <-chan *pq.Notification) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	logging.Log("Deployment runner started", slog.LevelInfo)
	r.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Log("Deployment runner stopping, waiting for running deployments", slog.LevelInfo)
			r.wg.Wait()
			return nil
		case <-ticker.C:
		case n := <-wake:
			if n != nil {
				logging.Log("Received notification on "+n.Channel, slog.LevelDebug)
			}
		case <-r.done:
		}
		r.Poll(ctx)
	}
}

// Poll claims every deployment that can start now and runs each in its own
// goroutine. It returns how many were started.
func (r *Runner) Poll(ctx context.Context) int {
	started := 0
	for _, server := range r.catalog.Servers() {
		if !server.IsFunctional() {
			continue
		}
		limit := server.ConcurrentBuilds
		if limit <= 0 {
			limit = r.cfg.ConcurrentBuilds
		}
		for ctx.Err() == nil {
			d, err := r.deployments.ClaimNext(ctx, server.ID, limit)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				logging.Log(fmt.Sprintf("Failed to claim deployment on %s: %v", server, err), slog.LevelError)
				break
			}
			started++
			r.wg.Add(1)
			go r.run(ctx, d)
		}
	}
	return started
}

// Wait blocks until every started deployment has been released.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, d *model.Deployment) {
	defer r.wg.Done()
	defer r.signal()

	ctx, span := logging.Tracer().Start(ctx, "deploy.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("deployment.uuid", d.DeploymentUUID),
		attribute.Int64("application.id", d.ApplicationID),
		attribute.Int64("server.id", d.ServerID),
	)
	logging.LogAttrs(ctx, slog.LevelInfo, "Deployment started",
		slog.String("deployment_uuid", d.DeploymentUUID), slog.Int64("application_id", d.ApplicationID), slog.String("commit", d.Commit))

	app, status, msg := r.execute(ctx, d)

	// bookkeeping must land even when shutdown cancelled the deployment
	bg := context.WithoutCancel(ctx)
	if err := r.deployments.Finish(bg, d.DeploymentUUID, status, msg); err != nil {
		logging.Log(fmt.Sprintf("Failed to finish deployment %s: %v", d.DeploymentUUID, err), slog.LevelError)
	}
	logging.Count(ctx, logging.DeploymentsRun, attribute.String("status", string(status)))
	logging.LogAttrs(ctx, slog.LevelInfo, "Deployment ended",
		slog.String("deployment_uuid", d.DeploymentUUID), slog.String("status", string(status)), slog.String("message", msg))

	if app != nil {
		r.announce(bg, d, *app, status, msg)
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(bg, store.ChannelDeployments, d.DeploymentUUID); err != nil {
			logging.Log(fmt.Sprintf("Failed to notify %s: %v", store.ChannelDeployments, err), slog.LevelWarn)
		}
	}
}

func (r *Runner) execute(ctx context.Context, d *model.Deployment) (*model.Application, model.DeploymentStatus, string) {
	app, ok := r.catalog.ApplicationByID(d.ApplicationID)
	if !ok {
		return nil, model.DeploymentFailed, "Application not found."
	}
	server, ok := r.catalog.ServerByID(d.ServerID)
	if !ok || !server.IsFunctional() {
		return &app, model.DeploymentFailed, "Server is not functional."
	}
	if len(app.DeployCommands) == 0 {
		return &app, model.DeploymentFailed, "Application has no deploy commands."
	}

	commands := deployCommands(app, d)
	activity := &model.Activity{
		Subject: &model.SubjectRef{Type: "deployment", ID: d.ID},
		Event:   model.ActivityDeploy,
		Properties: model.ActivityProperties{
			ServerUUID: server.UUID,
			Commands:   commands,
		},
	}
	if err := r.activities.Create(ctx, activity); err != nil {
		return &app, model.DeploymentFailed, fmt.Sprintf("Could not record deployment activity: %v", err)
	}
	if d.PullRequestID != 0 {
		r.emit(ctx, model.EventPRCommentUpdate, r.prPayload(d, app, model.ProcessInProgress))
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	_, err := r.executor.Execute(execCtx, model.TaskSpec{
		ActivityID: activity.ID,
		Server:     server,
		Commands:   commands,
	})
	if err != nil && ctx.Err() != nil {
		if sErr := r.activities.SetStatus(context.WithoutCancel(ctx), activity.ID, model.ProcessCancelled); sErr != nil && !errors.Is(sErr, store.ErrInvalidTransition) {
			logging.Log(fmt.Sprintf("Failed to cancel activity %d: %v", activity.ID, sErr), slog.LevelError)
		}
		return &app, model.DeploymentCancelled, "Deployment interrupted by shutdown."
	}
	if err != nil {
		if mErr := r.activities.MarkFailed(context.WithoutCancel(ctx), activity.ID, err); mErr != nil && !errors.Is(mErr, store.ErrInvalidTransition) {
			logging.Log(fmt.Sprintf("Failed to mark activity %d failed: %v", activity.ID, mErr), slog.LevelError)
		}
		return &app, model.DeploymentFailed, err.Error()
	}
	return &app, model.DeploymentFinished, "Deployment finished."
}

// deployCommands exports the deployment's identity to every command, since
// each command runs in a fresh shell.
func deployCommands(app model.Application, d *model.Deployment) []string {
	env := []string{
		"KAIFY_DEPLOYMENT_UUID=" + remote.ShellQuote(d.DeploymentUUID),
		"KAIFY_APPLICATION=" + remote.ShellQuote(app.Name),
		"KAIFY_COMMIT=" + remote.ShellQuote(d.Commit),
		"KAIFY_BRANCH=" + remote.ShellQuote(d.Branch),
		"KAIFY_FORCE_REBUILD=" + fmt.Sprint(d.ForceRebuild),
	}
	if d.PullRequestID != 0 {
		env = append(env, fmt.Sprintf("KAIFY_PULL_REQUEST_ID=%d", d.PullRequestID))
	}
	prefix := "export " + strings.Join(env, " ") + "; "
	out := make([]string, len(app.DeployCommands))
	for i, c := range app.DeployCommands {
		out[i] = prefix + c
	}
	return out
}

func (r *Runner) announce(ctx context.Context, d *model.Deployment, app model.Application, status model.DeploymentStatus, msg string) {
	var final model.ProcessStatus
	switch status {
	case model.DeploymentFinished:
		final = model.ProcessFinished
	case model.DeploymentCancelled:
		final = model.ProcessCancelled
	default:
		final = model.ProcessError
	}
	if d.PullRequestID != 0 {
		r.emit(ctx, model.EventPRCommentUpdate, r.prPayload(d, app, final))
	}
	if app.ChatWebhookURL != "" {
		r.emit(ctx, model.EventChatNotify, map[string]any{
			"application_id":  app.ID,
			"deployment_uuid": d.DeploymentUUID,
			"status":          string(final),
			"message":         msg,
		})
	}
}

func (r *Runner) prPayload(d *model.Deployment, app model.Application, status model.ProcessStatus) map[string]any {
	return map[string]any{
		"application_id":  app.ID,
		"pull_request_id": d.PullRequestID,
		"deployment_uuid": d.DeploymentUUID,
		"base_url":        r.cfg.BaseURL,
		"status":          string(status),
	}
}

func (r *Runner) emit(ctx context.Context, kind model.EventKind, payload map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.Dispatch(ctx, kind, payload); err != nil {
		logging.Log(fmt.Sprintf("Event %s failed: %v", kind, err), slog.LevelWarn)
	}
}

func (r *Runner) signal() {
	select {
	case r.done <- struct{}{}:
	default:
	}
}
