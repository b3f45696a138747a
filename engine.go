// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

// ComputeEngine is an isolated execution context for numerically heavy
// tasks. Each worker owns exactly one engine instance and is the only
// goroutine that ever touches it, so implementations need no internal
// synchronization between Load, Execute and Close.
//
// Execute returns an error only for engine-level faults (the context itself
// broke). A domain computation that fails must be reported as a
// Result{Success: false} so that failures cross the context boundary as
// data, not as propagated errors.
type ComputeEngine interface {
	// Load prepares the engine with the pool's worker script. Engines
	// without a script surface treat a non-empty script as a no-op.
	Load(script string) error

	// Execute runs a single task to completion and returns its result.
	Execute(task *Task) (*Result, error)

	// Close releases the execution context and its native resources.
	Close() error
}

// EngineFactory creates ComputeEngine instances, one per worker.
type EngineFactory func() (ComputeEngine, error)
