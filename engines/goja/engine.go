// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

// Package gojaengine provides a scripted ComputeEngine backed by the Goja
// JavaScript runtime. The pool's worker script defines an onTask(task)
// handler; each worker gets its own event loop and runtime, so scripted
// contexts stay memory-isolated from each other and from their owner.
package gojaengine

import (
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/quantasim/offload"
)

// Engine implements offload.ComputeEngine using a Goja event loop.
type Engine struct {
	loop *eventloop.EventLoop

	memorySample func() uint64
}

// Option configures an Engine before the worker script is loaded.
type Option func(*Engine) error

// WithFieldNameMapper sets the Go-to-JS field name mapping for task
// payloads. The default maps via `json` tags with lowercased fallback.
func WithFieldNameMapper(mapper goja.FieldNameMapper) Option {
	return func(e *Engine) error {
		done := make(chan struct{})
		e.loop.RunOnLoop(func(vm *goja.Runtime) {
			vm.SetFieldNameMapper(mapper)
			close(done)
		})
		<-done
		return nil
	}
}

// NewFactory returns an offload.EngineFactory producing Goja engines.
func NewFactory(opts ...Option) offload.EngineFactory {
	return func() (offload.ComputeEngine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new engine with a running event loop.
func newEngine(opts ...Option) (*Engine, error) {
	loop := eventloop.NewEventLoop()

	e := &Engine{
		loop:         loop,
		memorySample: defaultMemorySampler(),
	}

	// The loop must be running before options touch the runtime.
	loop.Start()

	if err := WithFieldNameMapper(goja.TagFieldNameMapper("json", true))(e); err != nil {
		loop.Stop()
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			loop.Stop()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return e, nil
}

// Load runs the worker script and verifies it defined an onTask handler.
func (e *Engine) Load(script string) error {
	if script == "" {
		return fmt.Errorf("worker script must be provided for the goja engine")
	}

	done := make(chan error, 1)
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		if _, err := vm.RunScript("worker_script.js", script); err != nil {
			done <- fmt.Errorf("failed to run worker script: %w", err)
			return
		}
		fn := vm.Get("onTask")
		if fn == nil {
			done <- fmt.Errorf("worker script did not define onTask")
			return
		}
		if _, ok := goja.AssertFunction(fn); !ok {
			done <- fmt.Errorf("onTask is not a function")
			return
		}
		done <- nil
	})
	return <-done
}

// Execute invokes onTask with the task envelope. A thrown JS value is a
// domain failure and comes back inside the Result; only a broken engine
// yields an error.
func (e *Engine) Execute(task *offload.Task) (*offload.Result, error) {
	if task == nil {
		return nil, fmt.Errorf("task must not be nil")
	}

	type outcome struct {
		data   any
		jsErr  error
		engErr error
	}
	outCh := make(chan outcome, 1)

	start := time.Now()
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		fnValue := vm.Get("onTask")
		fn, ok := goja.AssertFunction(fnValue)
		if !ok {
			outCh <- outcome{engErr: fmt.Errorf("onTask is not a function")}
			return
		}

		envelope := vm.ToValue(map[string]any{
			"id":       task.Id,
			"type":     task.Type,
			"data":     task.Data,
			"priority": task.Priority.String(),
			"timeout":  task.Timeout.Milliseconds(),
		})

		value, err := fn(goja.Undefined(), envelope)
		if err != nil {
			outCh <- outcome{jsErr: err}
			return
		}
		outCh <- outcome{data: value.Export()}
	})

	out := <-outCh
	elapsed := time.Since(start)
	mem := e.memorySample()

	if out.engErr != nil {
		return nil, out.engErr
	}
	if out.jsErr != nil {
		return &offload.Result{
			Id:            task.Id,
			Success:       false,
			Error:         out.jsErr.Error(),
			ExecutionTime: elapsed,
			MemoryUsed:    mem,
		}, nil
	}
	return &offload.Result{
		Id:            task.Id,
		Success:       true,
		Data:          out.data,
		ExecutionTime: elapsed,
		MemoryUsed:    mem,
	}, nil
}

// Close stops the event loop and releases the runtime.
func (e *Engine) Close() error {
	if e.loop != nil {
		e.loop.Stop()
		e.loop = nil
	}
	return nil
}

// defaultMemorySampler reports the resident set size of the current
// process; failures degrade to zero.
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
