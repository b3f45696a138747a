// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import "time"

// WorkerStats is a point-in-time snapshot of one worker's counters.
// It is mutated only by the worker that owns it, after each completed task.
type WorkerStats struct {
	// TasksCompleted counts finished tasks, successes and failures alike.
	TasksCompleted uint64

	// TotalExecutionTime is the running sum of per-task execution times.
	TotalExecutionTime time.Duration

	// AverageExecutionTime is TotalExecutionTime / TasksCompleted.
	AverageExecutionTime time.Duration

	// MemoryUsage is the most recent memory sample reported by the
	// execution context. It is overwritten per task, not accumulated.
	MemoryUsage uint64

	// ErrorCount counts failed tasks only.
	ErrorCount uint64

	// CurrentTask is the id of the task in flight, empty when idle.
	CurrentTask string
}

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	// TotalWorkers is the number of live workers.
	TotalWorkers int

	// AvailableWorkers is the number of workers not holding a task.
	AvailableWorkers int

	// QueuedTasks is the number of submissions waiting for a worker.
	QueuedTasks int
}
