// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import (
	"sync/atomic"
	"time"
)

// Priority is a scheduling hint for tasks waiting in the pool queue.
// It affects ordering among queued tasks only, never correctness.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the string representation of a Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Task is the unit of work submitted to the pool. The payload is opaque to
// this layer; only the execution engine interprets Type and Data.
type Task struct {
	Id       string        `json:"id"`       // Unique identifier, caller-assigned
	Type     string        `json:"type"`     // Operation kind, domain-opaque
	Data     any           `json:"data"`     // Opaque payload
	Priority Priority      `json:"priority"` // Queue ordering hint
	Timeout  time.Duration `json:"timeout"`  // Max time to await a result
}

// Result is the completion envelope produced for every submitted task.
// Exactly one of Data/Error is meaningful, selected by Success.
type Result struct {
	Id            string        `json:"id"`            // Echoes the originating task id
	Success       bool          `json:"success"`       // Whether execution succeeded
	Data          any           `json:"data"`          // Present iff Success
	Error         string        `json:"error"`         // Failure description iff !Success
	ExecutionTime time.Duration `json:"executionTime"` // Reported by the execution context
	MemoryUsed    uint64        `json:"memoryUsed"`    // Context-reported memory sample, bytes
}

// submission pairs a task with the channel its result is delivered on.
// The channel is buffered so a late completion signal never blocks the
// worker goroutine. The settled flag guarantees that exactly one side, the
// executing worker or the timeout path, produces the result and records
// stats; the loser discards silently.
type submission struct {
	task     *Task
	resultCh chan *Result
	settled  atomic.Bool
	worker   atomic.Pointer[Worker] // Assigned worker, nil while queued
	seq      uint64                 // FIFO tie-breaker among equal priorities

	// timeoutClaimed arbitrates the stats accounting for a timed-out
	// submission between the timeout path and a dispatch that raced the
	// worker assignment. Whichever side wins records the timeout and
	// releases the worker; the other side does nothing.
	timeoutClaimed atomic.Bool
}

// newSubmission creates a submission for the given task.
func newSubmission(task *Task) *submission {
	return &submission{
		task:     task,
		resultCh: make(chan *Result, 1),
	}
}

// settle reports whether the caller won the right to produce the result.
func (s *submission) settle() bool {
	return s.settled.CompareAndSwap(false, true)
}

// claimTimeout reports whether the caller won the right to account for a
// timed-out submission on its worker.
func (s *submission) claimTimeout() bool {
	return s.timeoutClaimed.CompareAndSwap(false, true)
}
