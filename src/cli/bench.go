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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kaifyworker/src/model"
	"kaifyworker/src/store"
)

type benchConfig struct {
	APIURL       string
	Applications []int64
	Count        int
	Interval     time.Duration
	Timeout      time.Duration
}

type benchReport struct {
	Submitted int
	Queued    int
	Skipped   int
	Rejected  int
	Finished  int
	Failed    int
	Duration  time.Duration
	Final     store.GlobalStats
}

func BenchCmd() *cobra.Command {
	var (
		cfg  benchConfig
		apps string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Submit a burst of deployments to a running API and watch them drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range strings.Split(apps, ",") {
				id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid application id %q", s)
				}
				cfg.Applications = append(cfg.Applications, id)
			}
			report, err := runBench(cmd.Context(), os.Stdout, http.DefaultClient, cfg)
			if err != nil {
				return err
			}
			printBenchReport(os.Stdout, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.APIURL, "api", "http://localhost:8080", "Worker API base URL")
	cmd.Flags().StringVar(&apps, "apps", "", "Comma separated application ids to deploy")
	cmd.Flags().IntVar(&cfg.Count, "count", 10, "Deployments to submit per application")
	cmd.Flags().DurationVar(&cfg.Interval, "interval", 500*time.Millisecond, "Status polling interval")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 30*time.Minute, "Give up after this long")
	_ = cmd.MarkFlagRequired("apps")
	return cmd
}

func getGlobalStats(ctx context.Context, client *http.Client, apiURL string) (store.GlobalStats, error) {
	var stats store.GlobalStats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/global-status", nil)
	if err != nil {
		return stats, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("global-status returned %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
}

func submitDeployment(ctx context.Context, client *http.Client, apiURL string, appID int64, commit string) (model.AdmissionResult, error) {
	var res model.AdmissionResult
	body, _ := json.Marshal(map[string]any{"application_id": appID, "commit": commit, "force_rebuild": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/deploy", bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return res, fmt.Errorf("deploy returned %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&res)
	return res, err
}

// runBench submits cfg.Count deployments per application and polls
// global-status until everything it queued has finished or failed.
func runBench(ctx context.Context, out io.Writer, client *http.Client, cfg benchConfig) (benchReport, error) {
	var report benchReport
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	initial, err := getGlobalStats(ctx, client, cfg.APIURL)
	if err != nil {
		fmt.Fprintf(out, "%s Could not get initial stats: %v. Metrics might be absolute.\n", color.New(color.FgYellow).Sprint("[WARN]"), err)
	}

	started := time.Now()
	stamp := started.UnixNano()
	for _, app := range cfg.Applications {
		for i := 0; i < cfg.Count; i++ {
			res, err := submitDeployment(ctx, client, cfg.APIURL, app, fmt.Sprintf("bench-%d-%d", stamp, i))
			if err != nil {
				return report, err
			}
			report.Submitted++
			switch res.Status {
			case model.AdmissionQueued:
				report.Queued++
			case model.AdmissionSkipped:
				report.Skipped++
			case model.AdmissionQueueFull:
				report.Rejected++
			}
		}
	}
	fmt.Fprintf(out, "%s %d submitted: %d queued, %d skipped, %d rejected.\n\n",
		color.New(color.FgGreen).Sprint("[OK]"), report.Submitted, report.Queued, report.Skipped, report.Rejected)

	gray := color.New(color.FgHiBlack, color.Bold)
	fmt.Fprintln(out, gray.Sprintf("%-10s %-12s %-10s %-12s %-10s", "ELAPSED", "FINISHED", "FAILED", "IN PROGRESS", "QUEUED"))
	fmt.Fprintln(out, gray.Sprint(strings.Repeat("-", 60)))

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return report, fmt.Errorf("benchmark did not drain: %w", ctx.Err())
		case <-ticker.C:
		}
		stats, err := getGlobalStats(ctx, client, cfg.APIURL)
		elapsed := time.Since(started).Round(time.Second).String()
		if err != nil {
			fmt.Fprintf(out, "\r%-10s %s", elapsed, color.New(color.FgRed).Sprint("Error: status unavailable (Retrying...)"))
			continue
		}
		report.Finished = stats.FinishedDeployments - initial.FinishedDeployments
		report.Failed = stats.FailedDeployments - initial.FailedDeployments

		failColor := color.New(color.FgGreen)
		if report.Failed > 0 {
			failColor = color.New(color.FgRed)
		}
		fmt.Fprintf(out, "\r%-10s %s %s %s %-10d", elapsed,
			color.New(color.FgGreen).Sprintf("%-12d", report.Finished),
			failColor.Sprintf("%-10d", report.Failed),
			color.New(color.FgYellow).Sprintf("%-12d", stats.InProgressDeployments),
			stats.QueuedDeployments)

		if stats.InProgressDeployments == 0 && stats.QueuedDeployments == 0 && report.Finished+report.Failed >= report.Queued {
			fmt.Fprintln(out)
			report.Duration = time.Since(started)
			report.Final = stats
			return report, nil
		}
	}
}

func printBenchReport(out io.Writer, r benchReport) {
	cyan := color.New(color.FgCyan, color.Bold)
	done := r.Finished + r.Failed
	successRate := 100.0
	if done > 0 {
		successRate = float64(r.Finished) / float64(done) * 100
	}
	line := func(label, value string) {
		fmt.Fprintf(out, "%s  %-22s %-25s%s\n", cyan.Sprint("┃"), label, value, cyan.Sprint("┃"))
	}

	fmt.Fprintln(out, cyan.Sprint("┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓"))
	line("Duration:", r.Duration.Truncate(time.Millisecond).String())
	line("Submitted:", strconv.Itoa(r.Submitted))
	line("  - Queued:", strconv.Itoa(r.Queued))
	line("  - Rejected:", strconv.Itoa(r.Rejected))
	line("  - Finished:", strconv.Itoa(r.Finished))
	line("  - Failed:", strconv.Itoa(r.Failed))
	line("Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	line("Avg Duration:", fmt.Sprintf("%.2f s", r.Final.AvgExecutionSec))
	line("Hourly Capacity:", fmt.Sprintf("%.1f deployments/hr", r.Final.ThroughputPerHour))
	fmt.Fprintln(out, cyan.Sprint("┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛"))
}
