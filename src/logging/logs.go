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

package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "kaifyworker"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

func LogAttrs(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	logger.LogAttrs(ctx, level, msg, attrs...)
}

func Tracer() trace.Tracer { return tracer }

func InitializeFloatCounter(name, description, unit string) (metric.Float64Counter, error) {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	return counter, nil
}

// Counters used across the worker. Nil counters are skipped so that a failed
// instrument registration never breaks task processing.
var (
	TasksTotal      metric.Float64Counter
	TasksSucceeded  metric.Float64Counter
	TasksFailed     metric.Float64Counter
	AdmissionsTotal metric.Float64Counter
	DeploymentsRun  metric.Float64Counter
)

func InitializeCounters() {
	TasksTotal, _ = InitializeFloatCounter("kaify_tasks_total", "Total number of remote task attempts", "Task")
	TasksSucceeded, _ = InitializeFloatCounter("kaify_tasks_succeeded", "Number of remote tasks finished", "Task")
	TasksFailed, _ = InitializeFloatCounter("kaify_tasks_failed", "Number of remote tasks terminally failed", "Task")
	AdmissionsTotal, _ = InitializeFloatCounter("kaify_admissions_total", "Deployment admission decisions", "Deployment")
	DeploymentsRun, _ = InitializeFloatCounter("kaify_deployments_run", "Deployments executed by outcome", "Deployment")
}

func Count(ctx context.Context, counter metric.Float64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}
