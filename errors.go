// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import "errors"

var (
	// ErrWorkerBusy is returned when ExecuteTask is called on a worker
	// that already holds a task in flight.
	ErrWorkerBusy = errors.New("worker is busy")

	// ErrWorkerTerminated is returned when submitting to a worker whose
	// execution context has been shut down.
	ErrWorkerTerminated = errors.New("worker is terminated")

	// ErrPoolTerminated is returned when submitting to a terminated pool.
	ErrPoolTerminated = errors.New("pool is terminated")
)
