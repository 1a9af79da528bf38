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

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/store"
)

// ActivityLog is the part of the activity store the executor writes to.
type ActivityLog interface {
	Get(ctx context.Context, id int64) (*model.Activity, error)
	MarkStarted(ctx context.Context, id int64) error
	AppendOutput(ctx context.Context, id int64, chunk string) error
	MarkFinished(ctx context.Context, id int64, exitCode int) error
}

// EventEmitter delivers completion events.
type EventEmitter interface {
	Dispatch(ctx context.Context, kind model.EventKind, payload map[string]any) error
}

type Result struct {
	ExitCode int
	// Failed lists commands that exited non-zero under ignore_errors.
	Failed []CommandError
}

type Executor struct {
	runner Runner
	log    ActivityLog
	events EventEmitter
}

func NewExecutor(runner Runner, log ActivityLog, events EventEmitter) *Executor {
	return &Executor{runner: runner, log: log, events: events}
}

// Execute runs the task's commands in order on its server, streaming output
// into the activity. On success the activity is finished and the completion
// event emitted. On failure the error is returned and the activity is left
// in_progress: the caller decides whether to retry or to write the terminal
// error status.
func (e *Executor) Execute(ctx context.Context, spec model.TaskSpec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	ctx, span := logging.Tracer().Start(ctx, "remote.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("activity.id", spec.ActivityID),
		attribute.String("server.uuid", spec.Server.UUID),
	)

	if err := e.start(ctx, spec.ActivityID); err != nil {
		return Result{}, err
	}

	var res Result
	for _, command := range spec.Commands {
		code, output, err := e.run(ctx, spec, command)
		if err != nil {
			return res, err
		}
		res.ExitCode = code
		if code == 0 {
			continue
		}
		cmdErr := CommandError{Command: command, ExitCode: code, Output: output}
		if !spec.IgnoreErrors {
			return res, &cmdErr
		}
		res.Failed = append(res.Failed, cmdErr)
		e.note(ctx, spec.ActivityID, fmt.Sprintf("Command failed with exit code %d, continuing: %s\n", code, command))
	}

	if err := e.log.MarkFinished(ctx, spec.ActivityID, res.ExitCode); err != nil {
		return res, fmt.Errorf("finishing activity %d: %w", spec.ActivityID, err)
	}
	logging.UpdateSpanValue(ctx, "activity.exit_code", float64(res.ExitCode))

	if spec.CallEventOnFinish != model.EventNone && e.events != nil {
		if err := e.events.Dispatch(ctx, spec.CallEventOnFinish, spec.EventPayload(model.ProcessFinished)); err != nil {
			logging.Log(fmt.Sprintf("Completion event %s for activity %d failed: %v", spec.CallEventOnFinish, spec.ActivityID, err), slog.LevelError)
		}
	}
	return res, nil
}

// start moves the activity to in_progress. A retried attempt finds it there
// already, which is fine.
func (e *Executor) start(ctx context.Context, id int64) error {
	err := e.log.MarkStarted(ctx, id)
	if err == nil || !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	a, getErr := e.log.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if a.Status == model.ProcessInProgress {
		return nil
	}
	return err
}

func (e *Executor) run(ctx context.Context, spec model.TaskSpec, command string) (int, string, error) {
	// output keeps flowing into the activity after the attempt's deadline
	sinkCtx := context.WithoutCancel(ctx)
	var captured lineCapture
	sink := func(c context.Context, chunk string) error {
		captured.add(chunk)
		return e.log.AppendOutput(c, spec.ActivityID, chunk)
	}
	stdout := newLineWriter(sinkCtx, sink)
	stderr := newLineWriter(sinkCtx, sink)

	started := time.Now()
	code, err := e.runner.Run(ctx, spec.Server, command, stdout, stderr)
	for _, w := range []*lineWriter{stdout, stderr} {
		if cerr := w.Close(); cerr != nil {
			logging.Log(fmt.Sprintf("Could not store output of activity %d: %v", spec.ActivityID, cerr), slog.LevelWarn)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return -1, captured.String(), &TimeoutError{Command: command, After: time.Since(started).Round(time.Second)}
		}
		return -1, captured.String(), err
	}
	return code, captured.String(), nil
}

func (e *Executor) note(ctx context.Context, id int64, line string) {
	if err := e.log.AppendOutput(ctx, id, line); err != nil {
		logging.Log(fmt.Sprintf("Could not store output of activity %d: %v", id, err), slog.LevelWarn)
	}
}
