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
	"os"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"kaifyworker/src/catalog"
	"kaifyworker/src/config"
	"kaifyworker/src/deploy"
	"kaifyworker/src/events"
	"kaifyworker/src/remote"
	"kaifyworker/src/store"
	"kaifyworker/src/taskqueue"
)

var envFile string

// RootCmd assembles the kaify command tree.
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kaify",
		Short: "Kaify worker - remote task execution and deployment queue",
		Long: `Kaify runs tracked shell command batches on managed servers and admits,
queues and runs application deployments.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the process environment")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(WorkerCmd())
	rootCmd.AddCommand(InitCmd())
	rootCmd.AddCommand(TaskCmd())
	rootCmd.AddCommand(ActivityCmd())
	rootCmd.AddCommand(DeployCmd())
	rootCmd.AddCommand(BenchCmd())
	return rootCmd
}

func Execute() {
	if err := RootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime is what every command opens: configuration, the database and the
// server catalog.
type runtime struct {
	cfg         *config.Config
	db          *store.DB
	catalog     *catalog.Catalog
	activities  *store.ActivityStore
	deployments *store.DeploymentStore
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	return &runtime{
		cfg:         cfg,
		db:          db,
		catalog:     cat,
		activities:  store.NewActivityStore(db),
		deployments: store.NewDeploymentStore(db),
	}, nil
}

func (rt *runtime) Close() error {
	return rt.db.Close()
}

func (rt *runtime) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rt.cfg.RedisAddr,
		Password: rt.cfg.RedisPassword,
		DB:       rt.cfg.RedisDB,
	}
}

func (rt *runtime) policy() taskqueue.Policy {
	p := taskqueue.DefaultPolicy
	p.Timeout = rt.cfg.TaskTimeout
	return p
}

func (rt *runtime) taskClient() *taskqueue.Client {
	return taskqueue.NewClient(rt.redisOpt(), rt.activities, taskqueue.ClientOptions{
		Queue:  rt.cfg.TaskQueue,
		Policy: rt.policy(),
	})
}

// limits resolves admission caps, letting an application lower or raise its
// own cap.
func (rt *runtime) limits(appID, _ int64) deploy.Limits {
	l := deploy.Limits{Application: rt.cfg.AppQueueLimit, Server: rt.cfg.ServerQueueLimit}
	if app, ok := rt.catalog.ApplicationByID(appID); ok && app.MaxConcurrentDeployments > 0 {
		l.Application = app.MaxConcurrentDeployments
	}
	return l
}

func (rt *runtime) dispatcher(emitter remote.EventEmitter) *deploy.Dispatcher {
	return deploy.NewDispatcher(deploy.NewQueue(rt.deployments, rt.limits), rt.catalog, emitter)
}

func (rt *runtime) transports() (remote.Transports, *remote.SSHRunner, *remote.DockerRunner) {
	sshRunner := remote.NewSSHRunner(remote.SSHConfig{
		KnownHostsPath: rt.cfg.SSHKnownHosts,
		ConnectTimeout: rt.cfg.SSHConnectTimeout,
		IdleTimeout:    rt.cfg.SSHIdleTimeout,
	})
	dockerRunner := remote.NewDockerRunner(remote.DockerConfig{
		HelperImage: rt.cfg.HelperImage,
		IdleTimeout: rt.cfg.ContainerIdleTimeout,
	})
	return remote.Transports{SSH: sshRunner, Docker: dockerRunner}, sshRunner, dockerRunner
}

func (rt *runtime) eventBus(runner remote.Runner) *events.Bus {
	deps := events.Deps{
		Runner:         runner,
		Servers:        rt.catalog,
		Apps:           rt.catalog,
		Chat:           events.NewChatNotifier(),
		Notifier:       rt.db,
		RefreshChannel: store.ChannelActivities,
	}
	if rt.cfg.GitHubToken != "" {
		deps.Poster = events.NewGitHubPoster(rt.cfg.GitHubToken)
	}
	return events.NewBus(events.NewDefaultRegistry(deps))
}
