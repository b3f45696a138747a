// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CPUFunc computes the baseline result for one problem size.
type CPUFunc func(size int) (any, error)

// GPUFunc computes the accelerated result for one problem size.
type GPUFunc func(size int) (*GPUSample, error)

// GPUSample carries a GPU computation result together with its measured
// duration, typically from Monitor.MeasureComputePass.
type GPUSample struct {
	Result   any
	Duration time.Duration
}

// ComparisonEntry is the outcome for one problem size.
type ComparisonEntry struct {
	Size      int           `json:"size"`
	CPUTime   time.Duration `json:"cpuTime"`
	GPUTime   time.Duration `json:"gpuTime"`
	Speedup   float64       `json:"speedup"`
	CPUResult any           `json:"cpuResult,omitempty"`
	GPUResult any           `json:"gpuResult,omitempty"`

	// GPUUnavailable marks entries where the GPU path reported
	// ErrGPUUnavailable. GPUTime and Speedup are zero for such entries.
	GPUUnavailable bool `json:"gpuUnavailable"`
}

// ComparisonReport is the full CPU versus GPU comparison across sizes.
type ComparisonReport struct {
	Label   string            `json:"label"`
	Entries []ComparisonEntry `json:"entries"`
}

// Comparator runs CPU baseline and GPU implementations of the same
// computation across a range of problem sizes and reports timings.
type Comparator struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewComparator creates a Comparator.
func NewComparator(logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{logger: logger, now: time.Now}
}

// CompareCPUvsGPU runs both implementations for every size. A CPU error
// aborts the whole comparison and is returned as-is. A GPU error of
// ErrGPUUnavailable is recorded on the entry and the comparison
// continues; any other GPU error aborts.
func (c *Comparator) CompareCPUvsGPU(cpuFn CPUFunc, gpuFn GPUFunc, sizes []int, label string) (*ComparisonReport, error) {
	if cpuFn == nil || gpuFn == nil {
		return nil, fmt.Errorf("both cpu and gpu functions are required")
	}

	report := &ComparisonReport{
		Label:   label,
		Entries: make([]ComparisonEntry, 0, len(sizes)),
	}

	for _, size := range sizes {
		entry := ComparisonEntry{Size: size}

		cpuStart := c.now()
		cpuResult, err := cpuFn(size)
		if err != nil {
			return nil, err
		}
		entry.CPUTime = c.now().Sub(cpuStart)
		entry.CPUResult = cpuResult

		sample, err := gpuFn(size)
		switch {
		case errors.Is(err, ErrGPUUnavailable):
			entry.GPUUnavailable = true
			c.logger.Debug("gpu unavailable for comparison entry", "label", label, "size", size)
		case err != nil:
			return nil, fmt.Errorf("gpu run failed for size %d: %w", size, err)
		default:
			entry.GPUTime = sample.Duration
			entry.GPUResult = sample.Result
			if sample.Duration > 0 {
				entry.Speedup = float64(entry.CPUTime) / float64(sample.Duration)
			}
		}

		report.Entries = append(report.Entries, entry)
		c.logger.Info("comparison entry",
			"label", label,
			"size", size,
			"cpuTime", entry.CPUTime,
			"gpuTime", entry.GPUTime,
			"speedup", entry.Speedup,
			"gpuUnavailable", entry.GPUUnavailable)
	}

	return report, nil
}
