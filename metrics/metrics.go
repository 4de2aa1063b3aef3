// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics declares the counters, gauges and histograms the
// task-execution engine publishes: StateAccumulator's per-process tallies,
// monitor admission-queue depth, and cache hit/miss rates.
package metrics

import "context"

var (
	Counters = map[string]counterOpts{
		"tasks_submitted_count": {
			Help:   "Count of task firings submitted to a backend.",
			Labels: []string{"process"},
		},
		"tasks_completed_count": {
			Help:   "Count of task firings that reached COMPLETED.",
			Labels: []string{"process"},
		},
		"tasks_error_count": {
			Help:   "Count of task firings that failed.",
			Labels: []string{"process"},
		},
		"cache_hit_count": {
			Help:   "Count of firings resolved from the cache index without submission.",
			Labels: []string{"process"},
		},
		"cache_miss_count": {
			Help:   "Count of firings that missed the cache index and were submitted.",
			Labels: []string{"process"},
		},
	}
	Gauges = map[string]gaugeOpts{
		"monitor_queue_depth": {
			Help:   "Number of handlers currently admitted to a monitor's queue.",
			Labels: []string{"backend"},
		},
		"monitor_inflight_count": {
			Help:   "Number of handlers in SUBMITTED or RUNNING state.",
			Labels: []string{"backend"},
		},
	}
	Histograms = map[string]histogramOpts{
		"task_duration_seconds": {
			Help:    "Wall-clock duration of a task firing from submit to completion.",
			Labels:  []string{"process", "backend"},
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 1800, 3600},
		},
	}
)

// GetTasksSubmittedCounter returns a Counter for tasks_submitted_count.
func GetTasksSubmittedCounter(ctx context.Context, process string) Counter {
	return getCounter(ctx, "tasks_submitted_count", map[string]string{"process": process})
}

// GetTasksCompletedCounter returns a Counter for tasks_completed_count.
func GetTasksCompletedCounter(ctx context.Context, process string) Counter {
	return getCounter(ctx, "tasks_completed_count", map[string]string{"process": process})
}

// GetTasksErrorCounter returns a Counter for tasks_error_count.
func GetTasksErrorCounter(ctx context.Context, process string) Counter {
	return getCounter(ctx, "tasks_error_count", map[string]string{"process": process})
}

// GetCacheHitCounter returns a Counter for cache_hit_count.
func GetCacheHitCounter(ctx context.Context, process string) Counter {
	return getCounter(ctx, "cache_hit_count", map[string]string{"process": process})
}

// GetCacheMissCounter returns a Counter for cache_miss_count.
func GetCacheMissCounter(ctx context.Context, process string) Counter {
	return getCounter(ctx, "cache_miss_count", map[string]string{"process": process})
}

// GetMonitorQueueDepthGauge returns a Gauge for monitor_queue_depth.
func GetMonitorQueueDepthGauge(ctx context.Context, backend string) Gauge {
	return getGauge(ctx, "monitor_queue_depth", map[string]string{"backend": backend})
}

// GetMonitorInflightCountGauge returns a Gauge for monitor_inflight_count.
func GetMonitorInflightCountGauge(ctx context.Context, backend string) Gauge {
	return getGauge(ctx, "monitor_inflight_count", map[string]string{"backend": backend})
}

// GetTaskDurationHistogram returns a Histogram for task_duration_seconds.
func GetTaskDurationHistogram(ctx context.Context, process, backend string) Histogram {
	return getHistogram(ctx, "task_duration_seconds", map[string]string{"process": process, "backend": backend})
}
