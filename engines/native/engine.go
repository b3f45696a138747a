// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeengine provides an in-process ComputeEngine that executes
// Go kernels registered by task type. It is the CPU backend for solvers
// whose numerics are implemented in Go.
package nativeengine

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/quantasim/offload"
)

// Kernel is a CPU compute function for one task type. The payload is the
// task's opaque Data; the returned value becomes the Result data.
type Kernel func(data any) (any, error)

// Registry maps task types to kernels. A single registry is typically
// shared by every worker in a pool; registration happens before the pool
// starts, so lookups are not synchronized against registration.
type Registry struct {
	kernels map[string]Kernel
}

// NewRegistry creates an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

// Register binds a kernel to a task type, replacing any previous binding.
func (r *Registry) Register(taskType string, kernel Kernel) {
	r.kernels[taskType] = kernel
}

// lookup returns the kernel for a task type.
func (r *Registry) lookup(taskType string) (Kernel, bool) {
	k, ok := r.kernels[taskType]
	return k, ok
}

// Engine implements offload.ComputeEngine using the kernel registry.
// Isolation comes from ownership, not memory protection: each worker holds
// its own Engine instance and kernels must not share mutable state.
type Engine struct {
	registry *Registry

	// memorySample reports the current memory footprint in bytes.
	// Defaults to the process RSS.
	memorySample func() uint64
}

// Option configures an Engine.
type Option func(*Engine) error

// WithMemorySampler replaces the default RSS-based memory sampler.
func WithMemorySampler(sample func() uint64) Option {
	return func(e *Engine) error {
		if sample == nil {
			return fmt.Errorf("memory sampler must not be nil")
		}
		e.memorySample = sample
		return nil
	}
}

// NewFactory returns an offload.EngineFactory producing engines backed by
// the given registry.
func NewFactory(registry *Registry, opts ...Option) offload.EngineFactory {
	return func() (offload.ComputeEngine, error) {
		return newEngine(registry, opts...)
	}
}

// newEngine creates a new Engine instance.
func newEngine(registry *Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("kernel registry must be provided")
	}
	e := &Engine{
		registry:     registry,
		memorySample: defaultMemorySampler(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return e, nil
}

// Load is a no-op: the native engine has no script surface.
func (e *Engine) Load(string) error {
	return nil
}

// Execute runs the kernel registered for the task type. Kernel errors and
// unknown task types are domain failures reported inside the Result, not
// engine errors.
func (e *Engine) Execute(task *offload.Task) (*offload.Result, error) {
	if task == nil {
		return nil, fmt.Errorf("task must not be nil")
	}

	kernel, ok := e.registry.lookup(task.Type)
	if !ok {
		return &offload.Result{
			Id:         task.Id,
			Success:    false,
			Error:      fmt.Sprintf("no kernel registered for task type %q", task.Type),
			MemoryUsed: e.memorySample(),
		}, nil
	}

	start := time.Now()
	data, err := kernel(task.Data)
	elapsed := time.Since(start)
	mem := e.memorySample()

	if err != nil {
		return &offload.Result{
			Id:            task.Id,
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: elapsed,
			MemoryUsed:    mem,
		}, nil
	}
	return &offload.Result{
		Id:            task.Id,
		Success:       true,
		Data:          data,
		ExecutionTime: elapsed,
		MemoryUsed:    mem,
	}, nil
}

// Close releases the engine. The native engine holds no native resources.
func (e *Engine) Close() error {
	return nil
}

// defaultMemorySampler reports the resident set size of the current
// process. Sampling failures degrade to zero rather than failing the task.
func defaultMemorySampler() func() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return func() uint64 { return 0 }
	}
	return func() uint64 {
		info, err := proc.MemoryInfo()
		if err != nil || info == nil {
			return 0
		}
		return info.RSS
	}
}
