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

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/remote"
	"kaifyworker/src/store"
)

type ActivityStore interface {
	remote.ActivityLog
	MarkFailed(ctx context.Context, id int64, cause error) error
	RecordException(ctx context.Context, id int64) (int, error)
}

type TaskExecutor interface {
	Execute(ctx context.Context, spec model.TaskSpec) (remote.Result, error)
}

type ServerLookup interface {
	ServerByUUID(uuid string) (model.Server, bool)
}

// Worker runs remote tasks delivered by asynq and owns their failure
// terminals: an activity that exhausted its attempts is marked error here
// and its completion event is dispatched exactly once.
type Worker struct {
	activities ActivityStore
	servers    ServerLookup
	executor   TaskExecutor
	events     remote.EventEmitter
	policy     Policy
	stats      *logging.WorkerStats
}

func NewWorker(activities ActivityStore, servers ServerLookup, executor TaskExecutor, events remote.EventEmitter, policy Policy, stats *logging.WorkerStats) *Worker {
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy
	}
	return &Worker{activities: activities, servers: servers, executor: executor, events: events, policy: policy, stats: stats}
}

func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decoding %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = w.policy.maxRetry()
	}
	return w.handle(ctx, p, Attempt{Retried: retried, MaxRetry: maxRetry})
}

func (w *Worker) handle(ctx context.Context, p Payload, at Attempt) error {
	ctx, span := logging.Tracer().Start(ctx, "taskqueue.handle")
	defer span.End()
	span.SetAttributes(attribute.Int64("activity.id", p.ActivityID), attribute.Int("attempt", at.Number()))

	a, err := w.activities.Get(ctx, p.ActivityID)
	if errors.Is(err, store.ErrNotFound) {
		logging.Log(fmt.Sprintf("Activity %d does not exist, dropping task", p.ActivityID), slog.LevelWarn)
		return fmt.Errorf("activity %d: %v: %w", p.ActivityID, err, asynq.SkipRetry)
	}
	if err != nil {
		w.record(0, 0, 0, 1)
		return fmt.Errorf("loading activity %d: %w", p.ActivityID, err)
	}
	if a.Status.IsTerminal() {
		// redelivery of a task that already reached its outcome
		logging.Log(fmt.Sprintf("Activity %d is already %s, acknowledging", a.ID, a.Status), slog.LevelInfo)
		return nil
	}

	spec := model.TaskSpec{
		ActivityID:        a.ID,
		Commands:          a.Properties.Commands,
		IgnoreErrors:      a.Properties.IgnoreErrors,
		CallEventOnFinish: a.Properties.CallEventOnFinish,
		CallEventData:     a.Properties.CallEventData,
	}
	server, ok := w.servers.ServerByUUID(a.Properties.ServerUUID)
	if !ok {
		return w.fail(ctx, spec, fmt.Errorf("server %s is not in the catalog", a.Properties.ServerUUID))
	}
	spec.Server = server

	if w.stats != nil {
		current := a.ID
		w.stats.UpdateStats(0, 0, 0, 0, &current)
	}
	logging.Count(ctx, logging.TasksTotal, attribute.String("server", server.UUID))
	logging.Log(fmt.Sprintf("Running activity %d on %s (attempt %d/%d)", a.ID, server, at.Number(), at.MaxRetry+1), slog.LevelInfo)

	attemptCtx, cancel := context.WithTimeout(ctx, w.policy.Timeout)
	defer cancel()
	_, err = w.executor.Execute(attemptCtx, spec)
	if err == nil {
		w.record(1, 1, 0, 0)
		logging.Count(ctx, logging.TasksSucceeded)
		logging.Log(fmt.Sprintf("Activity %d finished", a.ID), slog.LevelInfo)
		return nil
	}

	if ctx.Err() != nil && !at.Last() {
		// worker shutdown or asynq cancel: the attempt never got its verdict,
		// so leave the activity in progress for the redelivery
		w.record(1, 0, 0, 0)
		w.note(ctx, a.ID, fmt.Sprintf("Attempt %d interrupted: %v.\n", at.Number(), err))
		logging.Log(fmt.Sprintf("Activity %d attempt %d interrupted: %v", a.ID, at.Number(), err), slog.LevelWarn)
		return fmt.Errorf("activity %d interrupted: %w", a.ID, err)
	}
	if !w.retryable(ctx, a.ID, err) || at.Last() {
		return w.fail(ctx, spec, err)
	}
	w.record(1, 0, 0, 0)
	delay := w.policy.Delay(at.Retried)
	w.note(ctx, a.ID, fmt.Sprintf("Attempt %d failed: %v. Retrying in %s.\n", at.Number(), err, delay))
	logging.Log(fmt.Sprintf("Activity %d attempt %d failed, retrying in %s: %v", a.ID, at.Number(), delay, err), slog.LevelWarn)
	return err
}

// retryable classifies err. Unexpected errors spend the exception budget;
// once it is used up the task stops retrying.
func (w *Worker) retryable(ctx context.Context, id int64, err error) bool {
	if remote.IsRetryable(err) {
		return true
	}
	n, rerr := w.activities.RecordException(context.WithoutCancel(ctx), id)
	if rerr != nil {
		logging.Log(fmt.Sprintf("Could not record exception for activity %d: %v", id, rerr), slog.LevelError)
		return false
	}
	return n < w.policy.MaxExceptions
}

// fail writes the error terminal and then dispatches the completion event so
// cleanup still runs. Dispatch problems are logged, never returned.
func (w *Worker) fail(ctx context.Context, spec model.TaskSpec, cause error) error {
	ctx = context.WithoutCancel(ctx)
	w.record(1, 0, 1, 0)
	logging.Count(ctx, logging.TasksFailed)
	logging.Log(fmt.Sprintf("Activity %d failed: %v", spec.ActivityID, cause), slog.LevelError)

	if err := w.activities.MarkFailed(ctx, spec.ActivityID, cause); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			logging.Log(fmt.Sprintf("Activity %d already reached a final status, skipping failure handling", spec.ActivityID), slog.LevelWarn)
			return fmt.Errorf("activity %d: %v: %w", spec.ActivityID, cause, asynq.SkipRetry)
		}
		w.record(0, 0, 0, 1)
		logging.Log(fmt.Sprintf("Could not mark activity %d as failed: %v", spec.ActivityID, err), slog.LevelError)
	}
	w.dispatchFailure(ctx, spec)
	return fmt.Errorf("activity %d: %v: %w", spec.ActivityID, cause, asynq.SkipRetry)
}

func (w *Worker) dispatchFailure(ctx context.Context, spec model.TaskSpec) {
	if spec.CallEventOnFinish == model.EventNone || w.events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Error dispatching cleanup event for activity %d: %v", spec.ActivityID, r), slog.LevelError)
		}
	}()
	logging.Log(fmt.Sprintf("Dispatching %s cleanup event for failed activity %d", spec.CallEventOnFinish, spec.ActivityID), slog.LevelInfo)
	if err := w.events.Dispatch(ctx, spec.CallEventOnFinish, spec.EventPayload(model.ProcessError)); err != nil {
		logging.Log(fmt.Sprintf("Error dispatching cleanup event for activity %d: %v", spec.ActivityID, err), slog.LevelError)
	}
}

func (w *Worker) note(ctx context.Context, id int64, line string) {
	if err := w.activities.AppendOutput(context.WithoutCancel(ctx), id, line); err != nil {
		logging.Log(fmt.Sprintf("Could not store output of activity %d: %v", id, err), slog.LevelWarn)
	}
}

func (w *Worker) record(processed, success, failed, dbFailures uint64) {
	if w.stats == nil {
		return
	}
	w.stats.UpdateStats(processed, success, failed, dbFailures, nil)
}
