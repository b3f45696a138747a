// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// poolFactory returns a factory producing a fresh default mockEngine per
// worker.
func poolFactory() EngineFactory {
	return func() (ComputeEngine, error) {
		return &mockEngine{}, nil
	}
}

// recordingMetrics captures metric calls for assertions.
type recordingMetrics struct {
	mu        sync.Mutex
	durations int
	failures  []string
	depths    []int
	workers   [][2]int
}

func (m *recordingMetrics) RecordTaskDuration(string, Priority, time.Duration) {
	m.mu.Lock()
	m.durations++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTaskFailure(_ string, reason string) {
	m.mu.Lock()
	m.failures = append(m.failures, reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordQueueDepth(depth int) {
	m.mu.Lock()
	m.depths = append(m.depths, depth)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordWorkerCount(total, available int) {
	m.mu.Lock()
	m.workers = append(m.workers, [2]int{total, available})
	m.mu.Unlock()
}

// TestNewPool_Validation tests configuration and option validation.
func TestNewPool_Validation(t *testing.T) {
	if _, err := NewPool(PoolConfig{MinWorkers: 0, MaxWorkers: 1}, WithEngineFactory(poolFactory())); err == nil {
		t.Error("Expected error for zero min workers")
	}
	if _, err := NewPool(PoolConfig{MinWorkers: 4, MaxWorkers: 2}, WithEngineFactory(poolFactory())); err == nil {
		t.Error("Expected error for max < min")
	}
	if _, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 1}); err == nil {
		t.Error("Expected error without an engine factory")
	}
}

// TestNewPool_WorkerInitFailure tests that a failing worker initialization
// aborts construction.
func TestNewPool_WorkerInitFailure(t *testing.T) {
	factory := func() (ComputeEngine, error) {
		return nil, errors.New("engine unavailable")
	}
	if _, err := NewPool(PoolConfig{MinWorkers: 2, MaxWorkers: 4}, WithEngineFactory(factory)); err == nil {
		t.Fatal("Expected error when workers cannot initialize")
	}
}

// TestPool_Submit tests the basic submit round trip.
func TestPool_Submit(t *testing.T) {
	pool, err := NewPool(PoolConfig{MinWorkers: 2, MaxWorkers: 4}, WithEngineFactory(poolFactory()))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	res, err := pool.Submit(&Task{Id: "t1", Type: "calc"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Success {
		t.Errorf("Result not successful: %s", res.Error)
	}
	if res.Id != "t1" {
		t.Errorf("Result id = %q, want %q", res.Id, "t1")
	}

	stats := pool.Stats()
	if stats.TotalWorkers != 2 {
		t.Errorf("TotalWorkers = %d, want 2", stats.TotalWorkers)
	}
	if stats.AvailableWorkers != 2 {
		t.Errorf("AvailableWorkers = %d, want 2", stats.AvailableWorkers)
	}
	if stats.QueuedTasks != 0 {
		t.Errorf("QueuedTasks = %d, want 0", stats.QueuedTasks)
	}
}

// TestPool_SubmitNil tests that a nil task is a caller error.
func TestPool_SubmitNil(t *testing.T) {
	pool, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 1}, WithEngineFactory(poolFactory()))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	if _, err := pool.Submit(nil); err == nil {
		t.Fatal("Expected error for nil task")
	}
}

// TestPool_ConcurrentSubmit tests that concurrent submissions all resolve.
func TestPool_ConcurrentSubmit(t *testing.T) {
	pool, err := NewPool(PoolConfig{MinWorkers: 3, MaxWorkers: 3}, WithEngineFactory(poolFactory()))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	const n = 24
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pool.Submit(&Task{Id: fmt.Sprintf("t%d", i)})
			if err != nil {
				errCh <- err
				return
			}
			if !res.Success {
				errCh <- fmt.Errorf("task %d failed: %s", i, res.Error)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	stats := pool.Stats()
	if stats.AvailableWorkers != 3 {
		t.Errorf("AvailableWorkers = %d, want 3 after drain", stats.AvailableWorkers)
	}
}

// TestPool_PriorityOrder tests that queued tasks run highest priority
// first, FIFO within one priority.
func TestPool_PriorityOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	factory := func() (ComputeEngine, error) {
		return &mockEngine{
			executeFunc: func(task *Task) (*Result, error) {
				if task.Id == "blocker" {
					<-release
				} else {
					mu.Lock()
					order = append(order, task.Id)
					mu.Unlock()
				}
				return &Result{Id: task.Id, Success: true}, nil
			},
		}, nil
	}

	pool, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 1}, WithEngineFactory(factory))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	var wg sync.WaitGroup
	submit := func(id string, prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Submit(&Task{Id: id, Priority: prio}); err != nil {
				t.Errorf("Submit %s failed: %v", id, err)
			}
		}()
	}

	// Occupy the only worker, then queue in mixed priority order.
	submit("blocker", PriorityHigh)
	waitFor(t, func() bool { return pool.Stats().AvailableWorkers == 0 }, "worker occupied")

	submit("low-1", PriorityLow)
	waitFor(t, func() bool { return pool.Stats().QueuedTasks == 1 }, "low-1 queued")
	submit("high-1", PriorityHigh)
	waitFor(t, func() bool { return pool.Stats().QueuedTasks == 2 }, "high-1 queued")
	submit("medium-1", PriorityMedium)
	waitFor(t, func() bool { return pool.Stats().QueuedTasks == 3 }, "medium-1 queued")
	submit("high-2", PriorityHigh)
	waitFor(t, func() bool { return pool.Stats().QueuedTasks == 4 }, "high-2 queued")

	close(release)
	wg.Wait()

	want := []string{"high-1", "high-2", "medium-1", "low-1"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("Executed %d tasks, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Execution order[%d] = %q, want %q (full: %v)", i, order[i], want[i], order)
		}
	}
}

// TestPool_AutoScale tests that the pool grows when a task arrives and no
// worker is idle.
func TestPool_AutoScale(t *testing.T) {
	release := make(chan struct{})
	factory := func() (ComputeEngine, error) {
		return &mockEngine{
			executeFunc: func(task *Task) (*Result, error) {
				if task.Id == "blocker" {
					<-release
				}
				return &Result{Id: task.Id, Success: true}, nil
			},
		}, nil
	}

	pool, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 2, AutoScale: true}, WithEngineFactory(factory))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Submit(&Task{Id: "blocker"})
	}()
	waitFor(t, func() bool { return pool.Stats().AvailableWorkers == 0 }, "worker occupied")

	// The second task triggers growth instead of queueing.
	res, err := pool.Submit(&Task{Id: "t2"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Success {
		t.Errorf("Task failed: %s", res.Error)
	}
	if total := pool.Stats().TotalWorkers; total != 2 {
		t.Errorf("TotalWorkers = %d, want 2 after autoscale", total)
	}

	close(release)
	wg.Wait()
}

// TestPool_ScaleWorkers tests explicit resizing with clamping.
func TestPool_ScaleWorkers(t *testing.T) {
	pool, err := NewPool(PoolConfig{MinWorkers: 2, MaxWorkers: 5}, WithEngineFactory(poolFactory()))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	pool.ScaleWorkers(4)
	if total := pool.Stats().TotalWorkers; total != 4 {
		t.Errorf("TotalWorkers = %d, want 4", total)
	}

	// Above max clamps to max.
	pool.ScaleWorkers(100)
	if total := pool.Stats().TotalWorkers; total != 5 {
		t.Errorf("TotalWorkers = %d, want 5 (clamped)", total)
	}

	// Below min clamps to min.
	pool.ScaleWorkers(0)
	waitFor(t, func() bool { return pool.Stats().TotalWorkers == 2 }, "scaled down")

	res, err := pool.Submit(&Task{Id: "after-scale"})
	if err != nil || !res.Success {
		t.Errorf("Pool unusable after scaling: res=%+v err=%v", res, err)
	}
}

// TestPool_Terminate tests shutdown: queued submissions fail, later
// submissions are rejected, and Terminate is idempotent.
func TestPool_Terminate(t *testing.T) {
	release := make(chan struct{})
	factory := func() (ComputeEngine, error) {
		return &mockEngine{
			executeFunc: func(task *Task) (*Result, error) {
				if task.Id == "blocker" {
					<-release
				}
				return &Result{Id: task.Id, Success: true}, nil
			},
		}, nil
	}

	pool, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 1}, WithEngineFactory(factory))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Submit(&Task{Id: "blocker"})
	}()
	waitFor(t, func() bool { return pool.Stats().AvailableWorkers == 0 }, "worker occupied")

	queued := make(chan *Result, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := pool.Submit(&Task{Id: "queued"})
		if err != nil {
			t.Errorf("Queued submit failed: %v", err)
			return
		}
		queued <- res
	}()
	waitFor(t, func() bool { return pool.Stats().QueuedTasks == 1 }, "task queued")

	// Terminate while the worker is still busy so the queued submission
	// is settled by the drain, not dispatched.
	termDone := make(chan struct{})
	go func() {
		pool.Terminate()
		close(termDone)
	}()
	waitFor(t, func() bool {
		_, err := pool.Submit(&Task{Id: "ping"})
		return errors.Is(err, ErrPoolTerminated)
	}, "terminate started")
	close(release)
	<-termDone
	pool.Terminate() // Idempotent

	res := <-queued
	if res.Success {
		t.Error("Queued task should fail when pool terminates")
	}
	wg.Wait()

	if _, err := pool.Submit(&Task{Id: "late"}); !errors.Is(err, ErrPoolTerminated) {
		t.Errorf("Expected ErrPoolTerminated, got %v", err)
	}
}

// TestPool_EnqueueAfterTerminate tests a submission that slips into the
// queue after Terminate finished draining it, as a Submit racing the
// shutdown would. The caller must still receive a Result instead of
// waiting on a queue nothing drains anymore.
func TestPool_EnqueueAfterTerminate(t *testing.T) {
	pool, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 1}, WithEngineFactory(poolFactory()))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	pool.Terminate()

	sub := newSubmission(&Task{Id: "raced"})
	sub.seq = pool.seq.Add(1)
	pool.enqueue(sub)

	done := make(chan *Result, 1)
	go func() { done <- awaitResult(sub) }()

	select {
	case res := <-done:
		if res.Success {
			t.Error("Raced submission should fail on a terminated pool")
		}
		if res.Error != ErrPoolTerminated.Error() {
			t.Errorf("Error = %q, want %q", res.Error, ErrPoolTerminated.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Raced submission never settled")
	}
}

// TestPool_Metrics tests that the metrics hook observes durations,
// failures and queue depth.
func TestPool_Metrics(t *testing.T) {
	metrics := &recordingMetrics{}
	factory := func() (ComputeEngine, error) {
		return &mockEngine{
			executeFunc: func(task *Task) (*Result, error) {
				if task.Id == "bad" {
					return nil, errors.New("boom")
				}
				return &Result{Id: task.Id, Success: true}, nil
			},
		}, nil
	}

	pool, err := NewPool(PoolConfig{MinWorkers: 1, MaxWorkers: 1},
		WithEngineFactory(factory), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Terminate()

	pool.Submit(&Task{Id: "ok"})
	pool.Submit(&Task{Id: "bad"})

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.durations != 2 {
		t.Errorf("Recorded %d durations, want 2", metrics.durations)
	}
	if len(metrics.failures) != 1 || metrics.failures[0] != "boom" {
		t.Errorf("Recorded failures = %v, want [boom]", metrics.failures)
	}
}
