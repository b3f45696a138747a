// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestComparator_Compare tests a full comparison across sizes.
func TestComparator_Compare(t *testing.T) {
	c := NewComparator(nil)

	cpuFn := func(size int) (any, error) {
		return size * 2, nil
	}
	gpuFn := func(size int) (*GPUSample, error) {
		return &GPUSample{Result: size * 2, Duration: time.Microsecond}, nil
	}

	report, err := c.CompareCPUvsGPU(cpuFn, gpuFn, []int{10, 100, 1000}, "double")
	if err != nil {
		t.Fatalf("CompareCPUvsGPU failed: %v", err)
	}
	if report.Label != "double" {
		t.Errorf("Label = %q, want %q", report.Label, "double")
	}
	if len(report.Entries) != 3 {
		t.Fatalf("Entries = %d, want 3", len(report.Entries))
	}
	for i, size := range []int{10, 100, 1000} {
		entry := report.Entries[i]
		if entry.Size != size {
			t.Errorf("Entry %d size = %d, want %d", i, entry.Size, size)
		}
		if entry.GPUUnavailable {
			t.Errorf("Entry %d unexpectedly marked GPU-unavailable", i)
		}
		if entry.CPUResult != size*2 || entry.GPUResult != size*2 {
			t.Errorf("Entry %d results = %v/%v, want %d", i, entry.CPUResult, entry.GPUResult, size*2)
		}
		if entry.GPUTime != time.Microsecond {
			t.Errorf("Entry %d GPU time = %v, want 1µs", i, entry.GPUTime)
		}
		if entry.Speedup <= 0 {
			t.Errorf("Entry %d speedup = %v, want positive", i, entry.Speedup)
		}
	}
}

// TestComparator_CPUErrorAborts tests that a CPU baseline failure aborts
// the whole comparison with the original error.
func TestComparator_CPUErrorAborts(t *testing.T) {
	c := NewComparator(nil)

	cpuErr := errors.New("baseline diverged")
	gpuCalls := 0
	cpuFn := func(size int) (any, error) {
		if size == 100 {
			return nil, cpuErr
		}
		return size, nil
	}
	gpuFn := func(size int) (*GPUSample, error) {
		gpuCalls++
		return &GPUSample{Result: size}, nil
	}

	report, err := c.CompareCPUvsGPU(cpuFn, gpuFn, []int{10, 100, 1000}, "x")
	if report != nil {
		t.Error("Expected nil report on CPU failure")
	}
	if !errors.Is(err, cpuErr) {
		t.Errorf("Error = %v, want the original CPU error", err)
	}
	if gpuCalls != 1 {
		t.Errorf("GPU ran %d times, want 1 (sizes after the failure are skipped)", gpuCalls)
	}
}

// TestComparator_GPUUnavailable tests that GPU absence is a per-entry
// outcome, not an error.
func TestComparator_GPUUnavailable(t *testing.T) {
	c := NewComparator(nil)

	cpuFn := func(size int) (any, error) { return size, nil }
	gpuFn := func(size int) (*GPUSample, error) {
		return nil, fmt.Errorf("acquire device: %w", ErrGPUUnavailable)
	}

	report, err := c.CompareCPUvsGPU(cpuFn, gpuFn, []int{10, 20}, "x")
	if err != nil {
		t.Fatalf("GPU absence should not fail the comparison: %v", err)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("Entries = %d, want 2", len(report.Entries))
	}
	for i, entry := range report.Entries {
		if !entry.GPUUnavailable {
			t.Errorf("Entry %d should be marked GPU-unavailable", i)
		}
		if entry.GPUTime != 0 || entry.Speedup != 0 {
			t.Errorf("Entry %d GPU time/speedup = %v/%v, want zero", i, entry.GPUTime, entry.Speedup)
		}
	}
}

// TestComparator_GPUErrorAborts tests that a real GPU fault (not absence)
// aborts the comparison.
func TestComparator_GPUErrorAborts(t *testing.T) {
	c := NewComparator(nil)

	cpuFn := func(size int) (any, error) { return size, nil }
	gpuFn := func(size int) (*GPUSample, error) {
		return nil, errors.New("device lost")
	}

	if _, err := c.CompareCPUvsGPU(cpuFn, gpuFn, []int{10}, "x"); err == nil {
		t.Error("Expected error for a GPU device fault")
	}
}

// TestComparator_NilFuncs tests input validation.
func TestComparator_NilFuncs(t *testing.T) {
	c := NewComparator(nil)
	if _, err := c.CompareCPUvsGPU(nil, nil, []int{1}, "x"); err == nil {
		t.Error("Expected error for nil functions")
	}
}
