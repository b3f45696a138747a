// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import "time"

// Metrics is the hook for exporting pool telemetry to monitoring systems.
// Implementations must be fast and non-blocking; they are called on the
// task execution path. The observability/prometheus package provides a
// Prometheus-backed implementation.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(workerName string, priority Priority, duration time.Duration)

	// RecordTaskFailure records a task that completed with Success=false.
	RecordTaskFailure(workerName string, reason string)

	// RecordQueueDepth records the current number of queued submissions.
	RecordQueueDepth(depth int)

	// RecordWorkerCount records the pool size after a change.
	RecordWorkerCount(total, available int)
}

// NilMetrics is the no-op default used when no Metrics is configured.
type NilMetrics struct{}

// RecordTaskDuration is a no-op.
func (NilMetrics) RecordTaskDuration(string, Priority, time.Duration) {}

// RecordTaskFailure is a no-op.
func (NilMetrics) RecordTaskFailure(string, string) {}

// RecordQueueDepth is a no-op.
func (NilMetrics) RecordQueueDepth(int) {}

// RecordWorkerCount is a no-op.
func (NilMetrics) RecordWorkerCount(int, int) {}
