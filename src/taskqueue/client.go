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

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
)

type Payload struct {
	ActivityID int64 `json:"activity_id"`
}

// TaskArgs describes a remote task to prepare.
type TaskArgs struct {
	Server            model.Server
	Commands          []string
	IgnoreErrors      bool
	CallEventOnFinish model.EventKind
	CallEventData     map[string]any
	// Event defaults to model.ActivityInline.
	Event   string
	Subject *model.SubjectRef
}

type ActivityCreator interface {
	Create(ctx context.Context, a *model.Activity) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

// Client records activities and enqueues them for the worker pool.
type Client struct {
	client     *asynq.Client
	activities ActivityCreator
	queue      string
	policy     Policy
}

type ClientOptions struct {
	Queue  string
	Policy Policy
}

func NewClient(redisOpt asynq.RedisConnOpt, activities ActivityCreator, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	p := opts.Policy
	if p.MaxAttempts == 0 {
		p = DefaultPolicy
	}
	return &Client{
		client:     asynq.NewClient(redisOpt),
		activities: activities,
		queue:      q,
		policy:     p,
	}
}

// Prepare creates a queued activity for the task and enqueues it. The
// activity is returned at once; execution happens on a worker.
func (c *Client) Prepare(ctx context.Context, args TaskArgs) (*model.Activity, error) {
	spec := model.TaskSpec{Server: args.Server, Commands: args.Commands}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	event := args.Event
	if event == "" {
		event = model.ActivityInline
	}
	a := &model.Activity{
		Subject: args.Subject,
		Event:   event,
		Properties: model.ActivityProperties{
			ServerUUID:        args.Server.UUID,
			Commands:          args.Commands,
			IgnoreErrors:      args.IgnoreErrors,
			CallEventOnFinish: args.CallEventOnFinish,
			CallEventData:     args.CallEventData,
		},
	}
	if err := c.activities.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating activity: %w", err)
	}

	raw, err := json.Marshal(Payload{ActivityID: a.ID})
	if err != nil {
		return nil, err
	}
	task := asynq.NewTask(TypeRemoteTask, raw)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.policy.maxRetry()),
		asynq.Timeout(c.policy.Timeout),
	)
	if err != nil {
		enqueueErr := fmt.Errorf("enqueueing activity %d: %w", a.ID, err)
		if ferr := c.activities.MarkFailed(context.WithoutCancel(ctx), a.ID, enqueueErr); ferr != nil {
			return nil, errors.Join(enqueueErr, ferr)
		}
		return nil, enqueueErr
	}
	logging.Log(fmt.Sprintf("Activity %d enqueued as %s on %s", a.ID, info.ID, info.Queue), slog.LevelDebug)
	return a, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
