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
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"kaifyworker/src/logging"
)

// Processor runs the asynq server that delivers remote tasks to a Worker.
type Processor struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	Policy      Policy
	// DelayedTaskCheckInterval is how often scheduled retries are promoted.
	// Zero keeps the asynq default.
	DelayedTaskCheckInterval time.Duration
	ShutdownTimeout          time.Duration
}

func NewProcessor(redisOpt asynq.RedisConnOpt, worker *Worker, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:              con,
		Queues:                   qs,
		RetryDelayFunc:           policy.RetryDelay,
		DelayedTaskCheckInterval: cfg.DelayedTaskCheckInterval,
		ShutdownTimeout:          cfg.ShutdownTimeout,
		Logger:                   asynqLogger{},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logging.Log(fmt.Sprintf("Task %s failed after attempt %d: %v", t.Type(), retried+1, err), slog.LevelDebug)
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeRemoteTask, worker)
	return &Processor{server: server, mux: mux}
}

func lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		started := time.Now()
		logging.Log(fmt.Sprintf("Task %s (%s) started", id, t.Type()), slog.LevelDebug)
		err := next.ProcessTask(ctx, t)
		logging.Log(fmt.Sprintf("Task %s (%s) done in %s, err=%v", id, t.Type(), time.Since(started).Round(time.Millisecond), err), slog.LevelDebug)
		return err
	})
}

// Run blocks until the server stops.
func (p *Processor) Run() error {
	p.mux.Use(lifecycleMiddleware)
	return p.server.Run(p.mux)
}

// Start runs the server in the background.
func (p *Processor) Start() error {
	p.mux.Use(lifecycleMiddleware)
	return p.server.Start(p.mux)
}

func (p *Processor) Shutdown() { p.server.Shutdown() }

// asynqLogger routes asynq's own logs through the worker logger.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logging.Log(fmt.Sprint(args...), slog.LevelDebug) }
func (asynqLogger) Info(args ...interface{})  { logging.Log(fmt.Sprint(args...), slog.LevelInfo) }
func (asynqLogger) Warn(args ...interface{})  { logging.Log(fmt.Sprint(args...), slog.LevelWarn) }
func (asynqLogger) Error(args ...interface{}) { logging.Log(fmt.Sprint(args...), slog.LevelError) }
func (asynqLogger) Fatal(args ...interface{}) { logging.Log(fmt.Sprint(args...), slog.LevelError) }
