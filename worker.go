// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// workerAction represents a control action sent to a worker goroutine.
type workerAction int

const (
	actionTerminate workerAction = iota // Shut down the execution context
)

// String returns the string representation of a workerAction.
func (a workerAction) String() string {
	switch a {
	case actionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// workerActionRequest asks the worker goroutine to perform a control action.
type workerActionRequest struct {
	action workerAction
	done   chan error
}

// Worker owns exactly one isolated execution context. Tasks are serialized
// to it one at a time over a channel; completion signals come back as
// Results, correlated by task id. The worker goroutine is the only code
// that touches the underlying ComputeEngine.
//
// ExecuteTask while a task is in flight is a caller error; the worker
// rejects it with ErrWorkerBusy rather than queueing (the pool is the
// queueing layer).
type Worker struct {
	name    string
	id      uint32
	script  string
	factory EngineFactory
	logger  *slog.Logger

	taskCh   chan *submission
	actionCh chan *workerActionRequest
	initCh   chan error

	busy       atomic.Bool
	terminated atomic.Bool

	// onAvailable is invoked each time the worker transitions back to
	// available. Set by the owning pool; nil for standalone workers.
	onAvailable func(*Worker)

	mu     sync.Mutex // Guards stats
	stats  WorkerStats
	engine ComputeEngine // Owned by the worker goroutine after init
}

// NewWorker creates a worker and starts its execution context. It blocks
// until the context finished initializing (engine created and worker script
// loaded) and returns the initialization error, if any.
func NewWorker(name, script string, factory EngineFactory, logger *slog.Logger) (*Worker, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:     name,
		script:   script,
		factory:  factory,
		logger:   logger,
		taskCh:   make(chan *submission, 1),
		actionCh: make(chan *workerActionRequest, 1),
		initCh:   make(chan error, 1),
	}

	go w.run()

	if err := <-w.initCh; err != nil {
		return nil, fmt.Errorf("worker %s initialization failed: %w", name, err)
	}
	return w, nil
}

// ExecuteTask submits a task to the execution context and waits for its
// Result. Domain failures and timeouts are reported inside the Result with
// Success=false; the error return is reserved for caller errors (nil task,
// busy or terminated worker).
func (w *Worker) ExecuteTask(task *Task) (*Result, error) {
	if task == nil {
		return nil, fmt.Errorf("task must not be nil")
	}
	if w.terminated.Load() {
		return nil, ErrWorkerTerminated
	}
	if !w.tryAcquire() {
		return nil, ErrWorkerBusy
	}
	sub := newSubmission(task)
	w.dispatch(sub)
	return awaitResult(sub), nil
}

// IsAvailable reports whether the worker can accept a task right now.
func (w *Worker) IsAvailable() bool {
	return !w.busy.Load() && !w.terminated.Load()
}

// Stats returns a read-only snapshot of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Terminate shuts down the execution context and releases its resources.
// A busy worker finishes its in-flight task first. Terminate is idempotent.
func (w *Worker) Terminate() {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	req := &workerActionRequest{
		action: actionTerminate,
		done:   make(chan error, 1),
	}
	w.actionCh <- req
	<-req.done
	// A submission racing with termination may have slipped into the
	// channel after the goroutine exited; it still owes a Result.
	w.drainAbandoned()
}

// drainAbandoned settles a submission left in the task channel after the
// worker goroutine exited.
func (w *Worker) drainAbandoned() {
	select {
	case sub := <-w.taskCh:
		if sub != nil && sub.settle() {
			w.mu.Lock()
			w.stats.CurrentTask = ""
			w.mu.Unlock()
			sub.resultCh <- &Result{
				Id:      sub.task.Id,
				Success: false,
				Error:   ErrWorkerTerminated.Error(),
			}
		}
	default:
	}
}

// tryAcquire reserves the worker for one submission.
func (w *Worker) tryAcquire() bool {
	return w.busy.CompareAndSwap(false, true)
}

// cancelReservation undoes a tryAcquire that was never dispatched.
func (w *Worker) cancelReservation() {
	w.busy.Store(false)
}

// dispatch hands an already-reserved submission to the worker goroutine.
// The task channel holds one element, so after a successful tryAcquire the
// send never blocks.
func (w *Worker) dispatch(sub *submission) {
	sub.worker.Store(w)
	if sub.settled.Load() {
		// The timeout settled this submission before the worker pointer
		// was visible to it; the timeout path could not release anything
		// then, so the reservation is returned here. The claim keeps the
		// accounting single-sided when both paths observe each other.
		if sub.claimTimeout() {
			w.recordTimeout(sub.task.Timeout)
		}
		return
	}
	w.mu.Lock()
	w.stats.CurrentTask = sub.task.Id
	w.mu.Unlock()
	w.taskCh <- sub
	if w.terminated.Load() {
		// Termination raced the send; the goroutine may never pick the
		// submission up.
		w.drainAbandoned()
	}
}

// run is the worker goroutine: it owns the engine for its whole lifetime.
func (w *Worker) run() {
	// Pin to an OS thread so engines with thread-affine native state
	// always run on the same thread.
	runtime.LockOSThread()

	defer func() {
		if w.engine != nil {
			if err := w.engine.Close(); err != nil {
				w.logger.Error("failed to close compute engine",
					"worker", w.name, "error", err)
			}
		}
	}()

	if err := w.initEngine(); err != nil {
		w.initCh <- err
		close(w.initCh)
		w.logger.Error("failed to initialize compute engine",
			"worker", w.name, "error", err)
		return
	}
	w.initCh <- nil
	close(w.initCh)

	for {
		select {
		case sub := <-w.taskCh:
			if sub == nil {
				return
			}
			w.executeSubmission(sub)
		case req := <-w.actionCh:
			if req == nil {
				return
			}
			w.executeAction(req)
			if req.action == actionTerminate {
				return
			}
		}
	}
}

// initEngine creates the engine instance and loads the worker script.
func (w *Worker) initEngine() error {
	engine, err := w.factory()
	if err != nil {
		return fmt.Errorf("failed to create compute engine: %w", err)
	}
	if err := engine.Load(w.script); err != nil {
		// The engine exists but is unusable; release it before failing.
		if cerr := engine.Close(); cerr != nil {
			w.logger.Error("failed to close compute engine after load failure",
				"worker", w.name, "error", cerr)
		}
		return fmt.Errorf("failed to load worker script: %w", err)
	}
	w.engine = engine
	return nil
}

// executeAction performs a control action on the worker goroutine.
func (w *Worker) executeAction(req *workerActionRequest) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic recovered in worker action",
				"worker", w.name, "action", req.action.String(), "error", r)
			req.done <- fmt.Errorf("panic in %s: %v", req.action, r)
		}
	}()

	switch req.action {
	case actionTerminate:
		if w.engine != nil {
			err := w.engine.Close()
			if err != nil {
				w.logger.Error("failed to close compute engine",
					"worker", w.name, "error", err)
			}
			w.engine = nil
			req.done <- err
		} else {
			req.done <- nil
		}
	default:
		req.done <- nil
	}
}

// executeSubmission runs one task on the engine and settles the submission
// unless a timeout already did. A panic inside the engine is converted into
// a failed Result; it never tears down the worker.
func (w *Worker) executeSubmission(sub *submission) {
	task := sub.task
	start := time.Now()

	var res *Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = &Result{
					Id:            task.Id,
					Success:       false,
					Error:         fmt.Sprintf("panic in worker %s: %v", w.name, r),
					ExecutionTime: time.Since(start),
				}
				w.logger.Error("task execution panic",
					"worker", w.name, "task", task.Id, "error", r)
			}
		}()
		r, err := w.engine.Execute(task)
		if err != nil {
			res = &Result{
				Id:            task.Id,
				Success:       false,
				Error:         err.Error(),
				ExecutionTime: time.Since(start),
			}
			return
		}
		res = r
	}()

	if res == nil {
		res = &Result{
			Id:            task.Id,
			Success:       false,
			Error:         "engine returned no result",
			ExecutionTime: time.Since(start),
		}
	}
	res.Id = task.Id
	if res.ExecutionTime == 0 {
		res.ExecutionTime = time.Since(start)
	}

	if !sub.settle() {
		// A timeout already produced the result; the late completion
		// signal is discarded and the stats were settled by the
		// timeout path.
		w.logger.Debug("discarding late completion signal",
			"worker", w.name, "task", task.Id)
		return
	}

	// Availability must be restored before the result is delivered so a
	// caller chaining another ExecuteTask never observes busy.
	w.recordCompletion(res)
	sub.resultCh <- res
}

// recordCompletion folds a result into the worker stats and releases the
// worker.
func (w *Worker) recordCompletion(res *Result) {
	w.mu.Lock()
	w.stats.TasksCompleted++
	w.stats.TotalExecutionTime += res.ExecutionTime
	w.stats.AverageExecutionTime = w.stats.TotalExecutionTime / time.Duration(w.stats.TasksCompleted)
	w.stats.MemoryUsage = res.MemoryUsed
	if !res.Success {
		w.stats.ErrorCount++
	}
	w.stats.CurrentTask = ""
	w.mu.Unlock()

	w.release()
}

// recordTimeout settles the stats for a task whose completion signal never
// arrived in time. The elapsed wait stands in for the execution time the
// context never reported.
func (w *Worker) recordTimeout(waited time.Duration) {
	w.mu.Lock()
	w.stats.TasksCompleted++
	w.stats.TotalExecutionTime += waited
	w.stats.AverageExecutionTime = w.stats.TotalExecutionTime / time.Duration(w.stats.TasksCompleted)
	w.stats.ErrorCount++
	w.stats.CurrentTask = ""
	w.mu.Unlock()

	w.release()
}

// release marks the worker available and notifies the owning pool.
func (w *Worker) release() {
	w.busy.Store(false)
	if w.onAvailable != nil {
		w.onAvailable(w)
	}
}

// awaitResult waits for a submission to settle, enforcing the task timeout.
// On timeout the submission is settled here: the assigned worker records
// the failure and is released, and any completion signal arriving later is
// discarded by the settle flag. When no worker is assigned yet, the
// eventual dispatch sees the settled flag and releases the reservation
// itself.
func awaitResult(sub *submission) *Result {
	task := sub.task

	var timeoutCh <-chan time.Time
	if task.Timeout > 0 {
		timer := time.NewTimer(task.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-sub.resultCh:
		return res
	case <-timeoutCh:
		if sub.settle() {
			if w := sub.worker.Load(); w != nil && sub.claimTimeout() {
				w.recordTimeout(task.Timeout)
			}
			return &Result{
				Id:            task.Id,
				Success:       false,
				Error:         fmt.Sprintf("task %s timed out after %v", task.Id, task.Timeout),
				ExecutionTime: task.Timeout,
			}
		}
		// The worker settled first; its result is already in flight.
		return <-sub.resultCh
	}
}
