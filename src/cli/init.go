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

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kaifyworker/src/store"
)

func InitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create tables and fail work interrupted by the previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.db.Migrate(ctx); err != nil {
				return err
			}
			fmt.Printf("%s schema ready (%s)\n", color.New(color.FgGreen).Sprint("✓"), rt.db.Dialect)

			report, err := store.Recover(ctx, rt.db)
			fmt.Printf("  deployments failed: %d\n", report.Deployments)
			fmt.Printf("  task executions failed: %d\n", report.Tasks)
			fmt.Printf("  backup executions failed: %d\n", report.Backups)
			if err != nil {
				return fmt.Errorf("recovery incomplete: %w", err)
			}
			return nil
		},
	}
}
