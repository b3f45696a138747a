// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// PoolConfig is the stable configuration surface of the pool.
type PoolConfig struct {
	// WorkerScript is the execution entry point loaded into every worker's
	// engine. Engines without a script surface ignore it.
	WorkerScript string `mapstructure:"worker_script"`

	// MinWorkers is the number of workers created at construction and the
	// lower clamp bound for ScaleWorkers.
	MinWorkers int `mapstructure:"min_workers"`

	// MaxWorkers is the upper clamp bound for ScaleWorkers and autoscaling.
	MaxWorkers int `mapstructure:"max_workers"`

	// AutoScale lets the pool grow itself (up to MaxWorkers) when a task
	// arrives and no worker is idle. Shrinking is always explicit via
	// ScaleWorkers.
	AutoScale bool `mapstructure:"auto_scale"`
}

// Validate checks the configuration invariants.
func (c PoolConfig) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("min workers must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("max workers (%d) must be >= min workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	return nil
}

// Pool maintains MinWorkers..MaxWorkers workers and routes incoming tasks
// to an idle one.
//
// Scheduling policy: Submit uses any idle worker; if none is idle and
// AutoScale permits, the pool grows by one worker; otherwise the submission
// enters a queue ordered by task priority (high first), FIFO within one
// priority. A dispatcher goroutine pairs queued submissions with workers as
// they become available.
type Pool struct {
	config  PoolConfig
	factory EngineFactory
	logger  *slog.Logger
	metrics Metrics

	mu       sync.Mutex // Guards workers and scaling
	workers  map[uint32]*Worker
	workerId uint32

	queueMu sync.Mutex
	queue   submissionQueue
	seq     atomic.Uint64

	kickCh     chan struct{}
	stopCh     chan struct{}
	terminated atomic.Bool
}

// NewPool creates a pool with exactly MinWorkers workers. An engine
// factory must be supplied via WithEngineFactory.
func NewPool(config PoolConfig, opts ...Option) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	p := &Pool{
		config:  config,
		logger:  slog.Default(),
		metrics: NilMetrics{},
		workers: make(map[uint32]*Worker),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.factory == nil {
		return nil, fmt.Errorf("engine factory must be provided")
	}

	p.mu.Lock()
	for i := 0; i < config.MinWorkers; i++ {
		if _, err := p.createWorkerLocked(); err != nil {
			for _, w := range p.workers {
				w.Terminate()
			}
			p.mu.Unlock()
			return nil, fmt.Errorf("failed to create worker %d: %w", i, err)
		}
	}
	p.mu.Unlock()

	go p.dispatch()

	p.logger.Debug("pool started",
		"minWorkers", config.MinWorkers,
		"maxWorkers", config.MaxWorkers,
		"autoScale", config.AutoScale,
	)
	return p, nil
}

// Submit routes a task to a worker and waits for its Result. Every
// submitted task yields a Result; the error return is reserved for caller
// errors (nil task, terminated pool).
func (p *Pool) Submit(task *Task) (*Result, error) {
	if task == nil {
		return nil, fmt.Errorf("task must not be nil")
	}
	if p.terminated.Load() {
		return nil, ErrPoolTerminated
	}

	sub := newSubmission(task)
	sub.seq = p.seq.Add(1)

	if w := p.reserveIdleWorker(); w != nil {
		w.dispatch(sub)
		return p.finish(sub), nil
	}

	if p.config.AutoScale {
		if w := p.growForTask(); w != nil {
			w.dispatch(sub)
			return p.finish(sub), nil
		}
	}

	p.enqueue(sub)
	p.kick()
	return p.finish(sub), nil
}

// finish waits for the submission to settle and records telemetry.
func (p *Pool) finish(sub *submission) *Result {
	res := awaitResult(sub)

	workerName := ""
	if w := sub.worker.Load(); w != nil {
		workerName = w.name
	}
	p.metrics.RecordTaskDuration(workerName, sub.task.Priority, res.ExecutionTime)
	if !res.Success {
		p.metrics.RecordTaskFailure(workerName, res.Error)
	}
	return res
}

// ScaleWorkers resizes the pool to n workers, clamped to
// [MinWorkers, MaxWorkers]. Requests outside the bounds are not errors;
// they simply yield the nearest bound.
func (p *Pool) ScaleWorkers(n int) {
	if p.terminated.Load() {
		return
	}

	target := n
	if target < p.config.MinWorkers {
		target = p.config.MinWorkers
	}
	if target > p.config.MaxWorkers {
		target = p.config.MaxWorkers
	}

	var victims []*Worker
	p.mu.Lock()
	for len(p.workers) < target {
		if _, err := p.createWorkerLocked(); err != nil {
			p.logger.Error("failed to create worker while scaling", "error", err)
			break
		}
	}
	if len(p.workers) > target {
		// Prefer idle workers; busy ones finish their in-flight task
		// before shutting down.
		for id, w := range p.workers {
			if len(p.workers) <= target {
				break
			}
			if w.IsAvailable() {
				victims = append(victims, w)
				delete(p.workers, id)
			}
		}
		for id, w := range p.workers {
			if len(p.workers) <= target {
				break
			}
			victims = append(victims, w)
			delete(p.workers, id)
		}
	}
	total := len(p.workers)
	p.mu.Unlock()

	for _, w := range victims {
		go w.Terminate()
	}

	p.logger.Debug("pool scaled", "requested", n, "target", target, "total", total)
	p.kick()
	p.recordWorkerCount()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	total := len(p.workers)
	available := 0
	for _, w := range p.workers {
		if w.IsAvailable() {
			available++
		}
	}
	p.mu.Unlock()

	p.queueMu.Lock()
	queued := p.queue.Len()
	p.queueMu.Unlock()

	return PoolStats{
		TotalWorkers:     total,
		AvailableWorkers: available,
		QueuedTasks:      queued,
	}
}

// Terminate shuts down every worker and fails all queued submissions.
// It is idempotent.
func (p *Pool) Terminate() {
	if !p.terminated.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[uint32]*Worker)
	p.mu.Unlock()

	for _, w := range workers {
		w.Terminate()
	}

	// Queued submissions still owe their callers a Result.
	failed := p.failQueued()

	p.logger.Debug("pool terminated", "workers", len(workers), "failedQueued", failed)
}

// failQueued drains the pending queue and fails every submission that has
// not settled yet. Callers of the pool always receive a Result, so this
// runs both during Terminate and when a racing Submit enqueued after the
// shutdown drain already passed.
func (p *Pool) failQueued() int {
	p.queueMu.Lock()
	pending := p.queue.drain()
	p.queueMu.Unlock()
	for _, sub := range pending {
		if sub.settle() {
			sub.resultCh <- &Result{
				Id:      sub.task.Id,
				Success: false,
				Error:   ErrPoolTerminated.Error(),
			}
		}
	}
	return len(pending)
}

// createWorkerLocked creates and registers one worker. Callers hold p.mu.
func (p *Pool) createWorkerLocked() (*Worker, error) {
	if len(p.workers) >= p.config.MaxWorkers {
		return nil, fmt.Errorf("max pool size reached")
	}
	p.workerId++
	id := p.workerId
	w, err := NewWorker("worker-"+strconv.FormatUint(uint64(id), 10),
		p.config.WorkerScript, p.factory, p.logger)
	if err != nil {
		return nil, err
	}
	w.id = id
	w.onAvailable = p.workerAvailable
	p.workers[id] = w
	return w, nil
}

// reserveIdleWorker acquires any idle worker, or nil when all are busy.
func (p *Pool) reserveIdleWorker() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.tryAcquire() {
			return w
		}
	}
	return nil
}

// growForTask creates one extra worker under autoscaling and reserves it.
// Returns nil when the pool already reached MaxWorkers.
func (p *Pool) growForTask() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated.Load() {
		return nil
	}
	if len(p.workers) >= p.config.MaxWorkers {
		return nil
	}
	w, err := p.createWorkerLocked()
	if err != nil {
		p.logger.Error("autoscale worker creation failed", "error", err)
		return nil
	}
	p.logger.Debug("autoscaled pool up", "workers", len(p.workers))
	if !w.tryAcquire() {
		return nil
	}
	return w
}

// enqueue adds a submission to the priority queue. Terminate is re-checked
// after the push: a pool that finished shutting down in the window since
// Submit's entry check would otherwise strand the submission in a queue
// nothing drains anymore.
func (p *Pool) enqueue(sub *submission) {
	p.queueMu.Lock()
	p.queue.push(sub)
	depth := p.queue.Len()
	p.queueMu.Unlock()
	if p.terminated.Load() {
		p.failQueued()
		return
	}
	p.metrics.RecordQueueDepth(depth)
}

// kick nudges the dispatcher without blocking.
func (p *Pool) kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// workerAvailable is installed as the worker release hook.
func (p *Pool) workerAvailable(*Worker) {
	p.kick()
}

// dispatch pairs queued submissions with idle workers until the pool is
// terminated.
func (p *Pool) dispatch() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.kickCh:
			p.drainQueue()
		}
	}
}

// drainQueue hands queued submissions to idle workers, highest priority
// first. Submissions that settled while queued (timeout) are dropped.
func (p *Pool) drainQueue() {
	for {
		w := p.reserveIdleWorker()
		if w == nil {
			return
		}

		var sub *submission
		p.queueMu.Lock()
		for p.queue.Len() > 0 {
			candidate := p.queue.pop()
			if !candidate.settled.Load() {
				sub = candidate
				break
			}
		}
		depth := p.queue.Len()
		p.queueMu.Unlock()

		if sub == nil {
			w.cancelReservation()
			return
		}
		p.metrics.RecordQueueDepth(depth)
		w.dispatch(sub)
	}
}

// recordWorkerCount reports the current pool size to the metrics hook.
func (p *Pool) recordWorkerCount() {
	stats := p.Stats()
	p.metrics.RecordWorkerCount(stats.TotalWorkers, stats.AvailableWorkers)
}
