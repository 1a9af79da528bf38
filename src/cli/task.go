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
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kaifyworker/src/model"
	"kaifyworker/src/taskqueue"
)

func TaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run remote tasks",
	}
	cmd.AddCommand(taskRunCmd())
	return cmd
}

func taskRunCmd() *cobra.Command {
	var (
		serverUUID   string
		ignoreErrors bool
		wait         bool
	)
	cmd := &cobra.Command{
		Use:   "run --server <uuid> [flags] -- <command>...",
		Short: "Enqueue an inline task on a server",
		Long: `Enqueue an inline task. Each argument is one shell command, run in order
on the server. A worker must be running to execute it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			server, ok := rt.catalog.ServerByUUID(serverUUID)
			if !ok {
				return fmt.Errorf("server %q is not in the catalog", serverUUID)
			}
			client := rt.taskClient()
			defer client.Close()

			a, err := client.Prepare(ctx, taskqueue.TaskArgs{
				Server:       server,
				Commands:     args,
				IgnoreErrors: ignoreErrors,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Activity %d queued on %s\n", a.ID, server)
			if !wait {
				return nil
			}

			final, err := waitForActivity(ctx, rt, a.ID)
			if err != nil {
				return err
			}
			printActivity(final)
			if final.Status != model.ProcessFinished {
				return fmt.Errorf("activity %d ended with status %s", a.ID, final.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverUUID, "server", "", "Target server uuid")
	cmd.Flags().BoolVar(&ignoreErrors, "ignore-errors", false, "Keep running after a command fails")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the activity to end and print its output")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func waitForActivity(ctx context.Context, rt *runtime, id int64) (*model.Activity, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		a, err := rt.activities.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status.IsTerminal() {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func ActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Inspect activity records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print an activity's status and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid activity id %q", args[0])
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			a, err := rt.activities.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("activity %d: %w", id, err)
			}
			printActivity(a)
			return nil
		},
	})
	return cmd
}

func statusColor(s model.ProcessStatus) *color.Color {
	switch s {
	case model.ProcessFinished:
		return color.New(color.FgGreen)
	case model.ProcessError, model.ProcessKilled:
		return color.New(color.FgRed)
	case model.ProcessInProgress:
		return color.New(color.FgYellow)
	case model.ProcessCancelled:
		return color.New(color.FgHiBlack)
	}
	return color.New(color.FgBlue)
}

func printActivity(a *model.Activity) {
	fmt.Printf("Activity %d [%s] %s\n", a.ID, a.Event, statusColor(a.Status).Sprint(a.Status))
	if a.Subject != nil {
		fmt.Printf("  subject: %s #%d\n", a.Subject.Type, a.Subject.ID)
	}
	fmt.Printf("  server:  %s\n", a.Properties.ServerUUID)
	if a.Properties.ExitCode != nil {
		fmt.Printf("  exit:    %d\n", *a.Properties.ExitCode)
	}
	if a.Properties.Error != "" {
		fmt.Printf("  error:   %s\n", color.New(color.FgRed).Sprint(a.Properties.Error))
	}
	for i, c := range a.Properties.Commands {
		fmt.Printf("  $%d %s\n", i+1, c)
	}
	if a.Output != "" {
		fmt.Println()
		fmt.Print(a.Output)
	}
}
