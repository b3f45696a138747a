// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

// Package offload coordinates numerically heavy simulation tasks across a
// pool of isolated execution contexts and, where available, a GPU compute
// backend.
//
// A caller submits a Task to the Pool, which forwards it to an available
// Worker. Each Worker owns one ComputeEngine instance running on its own
// pinned goroutine; tasks and results cross that boundary as data, never as
// shared state or propagated panics. The gpu subpackage provides the GPU
// dispatch path, performance measurement, and the backend readiness state
// machine; the CPU and GPU paths are compared with gpu.Comparator.
//
// The payload of a task is opaque to this layer: the engines subpackages
// decide what Type and Data mean.
package offload
