// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"log/slog"
	"time"
)

// Monitor measures the duration of compute pass submissions. When the
// device implements TimestampProvider the measurement comes from the
// device itself; otherwise the monitor falls back to wall-clock timing.
type Monitor struct {
	device Device
	logger *slog.Logger
	now    func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock replaces the wall-clock source. A nil clock disables the
// wall-clock fallback entirely.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a Monitor for the given device.
func NewMonitor(device Device, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		device: device,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// MeasureComputePass runs fn exactly once and measures how long the work
// took. The bool reports whether a measurement was obtained; it is false
// only when neither device timestamps nor a wall clock are available. The
// returned error is fn's error, untouched. A timing failure never masks
// or suppresses the measured work.
func (m *Monitor) MeasureComputePass(fn func() error, label string) (time.Duration, bool, error) {
	var fnErr error
	run := func() { fnErr = fn() }

	var wallStart time.Time
	if m.now != nil {
		wallStart = m.now()
	}

	measured := false
	var elapsed time.Duration
	if tp, ok := m.device.(TimestampProvider); ok {
		d, err := tp.MeasureTimestamps(run)
		if err == nil {
			elapsed, measured = d, true
		} else {
			m.logger.Debug("timestamp measurement failed, using wall clock", "label", label, "error", err)
		}
	} else {
		run()
	}

	if !measured && m.now != nil {
		elapsed, measured = m.now().Sub(wallStart), true
	}
	if !measured {
		m.logger.Debug("no timing source available", "label", label)
	}
	return elapsed, measured, fnErr
}
