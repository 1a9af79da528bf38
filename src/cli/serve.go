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

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kaifyworker/src/api"
	"kaifyworker/src/deploy"
	"kaifyworker/src/logging"
	"kaifyworker/src/remote"
	"kaifyworker/src/store"
	"kaifyworker/src/taskqueue"
)

func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, task worker and deployment runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), true)
		},
	}
}

func WorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the remote task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), false)
		},
	}
}

// serve runs until SIGINT or SIGTERM. With full set it also serves the API
// and runs deployments; a plain worker only consumes remote tasks.
func serve(parent context.Context, full bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()
	logging.InitializeCounters()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.db.Migrate(ctx); err != nil {
		return err
	}
	if full {
		// in_progress rows are the only lease on a deployment slot, so stale
		// ones must be cleared before the runner starts
		if _, err := store.Recover(ctx, rt.db); err != nil {
			logging.Log("Startup recovery incomplete: "+err.Error(), slog.LevelError)
		}
	}

	workerID := uuid.NewString()
	logging.Log("Starting worker with UUID: "+workerID, slog.LevelInfo)
	stats := logging.NewWorkerStats(workerID)

	transports, sshRunner, dockerRunner := rt.transports()
	defer sshRunner.Close()
	defer dockerRunner.Close()
	bus := rt.eventBus(transports)
	executor := remote.NewExecutor(transports, rt.activities, bus)

	policy := rt.policy()
	worker := taskqueue.NewWorker(rt.activities, rt.catalog, executor, bus, policy, stats)
	processor := taskqueue.NewProcessor(rt.redisOpt(), worker, taskqueue.ProcessorConfig{
		Concurrency:     rt.cfg.WorkerConcurrency,
		Queues:          map[string]int{rt.cfg.TaskQueue: 1},
		Policy:          policy,
		ShutdownTimeout: 30 * time.Second,
	})

	// SQLite has no notifications; the runner polls
	var wake <-chan *pq.Notification
	if full && rt.db.Dialect == store.Postgres {
		listener, err := store.NewListener(rt.cfg.DBDSN, store.ChannelDeployments)
		if err != nil {
			return err
		}
		defer listener.Close()
		wake = listener.Notify
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := processor.Start(); err != nil {
			return fmt.Errorf("starting task processor: %w", err)
		}
		<-gctx.Done()
		logging.Log("Shutting down task processor gracefully...", slog.LevelInfo)
		processor.Shutdown()
		return nil
	})
	g.Go(func() error {
		sshRunner.RunReaper(gctx)
		return nil
	})
	g.Go(func() error {
		dockerRunner.RunReaper(gctx)
		return nil
	})
	g.Go(func() error {
		return rt.catalog.Watch(gctx, nil)
	})

	if full {
		tasks := rt.taskClient()
		defer tasks.Close()

		server := api.NewServer(api.Deps{
			DB:          rt.db,
			Stats:       stats,
			Activities:  rt.activities,
			Deployments: rt.deployments,
			Dispatcher:  rt.dispatcher(bus),
			Catalog:     rt.catalog,
			Tasks:       tasks,
			Events:      bus,
			RetryAfter:  rt.cfg.QueueRetryAfter,
		})
		g.Go(func() error {
			return server.ListenAndServe(gctx, rt.cfg.APIPort)
		})

		runner := deploy.NewRunner(rt.deployments, rt.activities, executor, rt.catalog, deploy.RunnerConfig{
			ConcurrentBuilds: rt.cfg.ConcurrentBuilds,
			PollInterval:     rt.cfg.DeployPollInterval,
			Timeout:          rt.cfg.TaskTimeout,
			BaseURL:          rt.cfg.BaseURL,
		}, deploy.RunnerOptions{Events: bus, Notifier: rt.db})

		g.Go(func() error {
			return runner.Run(gctx, wake)
		})
	}

	logging.Log("Worker started. Waiting for tasks (LISTEN/NOTIFY + Fallback Polling)...", slog.LevelInfo)
	return g.Wait()
}
