// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import "log/slog"

// Option configures a Pool beyond the stable PoolConfig surface.
type Option func(*Pool)

// WithEngineFactory sets the factory used to create one ComputeEngine per
// worker. Required.
func WithEngineFactory(factory EngineFactory) Option {
	return func(p *Pool) {
		p.factory = factory
	}
}

// WithLogger sets the logger for the pool and its workers.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the telemetry hook.
func WithMetrics(metrics Metrics) Option {
	return func(p *Pool) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}
