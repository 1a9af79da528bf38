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
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/store"
)

func DeployCmd() *cobra.Command {
	var (
		commit       string
		force        bool
		pullRequest  int
		deploymentID string
	)
	cmd := &cobra.Command{
		Use:   "deploy <application-id>",
		Short: "Ask for a deployment of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid application id %q", args[0])
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			app, ok := rt.catalog.ApplicationByID(appID)
			if !ok {
				return fmt.Errorf("application %d is not in the catalog", appID)
			}
			res, err := rt.dispatcher(nil).QueueApplicationDeployment(ctx, app, deploymentID, commit, force, false, pullRequest)
			if err != nil {
				return err
			}

			c := color.New(color.FgGreen)
			switch res.Status {
			case model.AdmissionSkipped:
				c = color.New(color.FgYellow)
			case model.AdmissionQueueFull:
				c = color.New(color.FgRed)
			}
			fmt.Printf("%s %s\n", c.Sprint(res.Status), res.Message)
			if res.DeploymentUUID != "" {
				fmt.Printf("  deployment: %s\n", res.DeploymentUUID)
			}
			if res.Status == model.AdmissionQueued {
				if err := rt.db.Notify(ctx, store.ChannelDeployments, res.DeploymentUUID); err != nil {
					logging.Log("Failed to notify deployment runners: "+err.Error(), slog.LevelWarn)
				}
			}
			if res.Status == model.AdmissionQueueFull {
				return fmt.Errorf("retry in %s", rt.cfg.QueueRetryAfter)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "Commit to deploy (default HEAD)")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even if the commit is already queued")
	cmd.Flags().IntVar(&pullRequest, "pr", 0, "Pull request id for a preview deployment")
	cmd.Flags().StringVar(&deploymentID, "uuid", "", "Deployment uuid (generated when empty)")
	return cmd
}
