// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpu provides GPU compute offloading: device acquisition over
// the wgpu HAL, a compute pipeline runner with a fixed storage/uniform
// binding convention, pass timing, CPU versus GPU comparison and
// per-solver readiness tracking.
//
// Absence of a GPU is a first-class, expected condition throughout the
// package, signalled by ErrGPUUnavailable and the readiness machinery
// rather than by failures.
package gpu
