// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"errors"
	"time"
)

// ErrGPUUnavailable reports that no usable GPU backend could be acquired.
// It is the sentinel that separates "this machine has no GPU" from actual
// device faults: callers are expected to degrade to CPU execution when
// they see it.
var ErrGPUUnavailable = errors.New("gpu: no usable compute device available")

// Device abstracts a GPU compute device. The production implementation
// wraps a wgpu HAL device; tests substitute recording fakes.
type Device interface {
	// SupportsCompute reports whether the device can run compute shaders.
	SupportsCompute() bool

	// MaxWorkgroupSize returns the per-dimension workgroup count limits.
	MaxWorkgroupSize() [3]uint32

	// CreateShaderModule creates a shader module from SPIR-V code.
	CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// CreateBuffer allocates a buffer.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer writes data into a buffer at the given offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies size bytes out of a buffer, blocking until the
	// GPU work that produced the contents has completed.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// CreateBindGroupLayout creates a bind group layout.
	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)

	// DestroyBindGroupLayout releases a bind group layout.
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// CreatePipelineLayout creates a pipeline layout from bind group layouts.
	CreatePipelineLayout(layouts []BindGroupLayoutID, label string) (PipelineLayoutID, error)

	// DestroyPipelineLayout releases a pipeline layout.
	DestroyPipelineLayout(id PipelineLayoutID)

	// CreateComputePipeline creates a compute pipeline.
	CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error)

	// DestroyComputePipeline releases a compute pipeline.
	DestroyComputePipeline(id ComputePipelineID)

	// CreateBindGroup creates a bind group binding buffers to layout slots.
	CreateBindGroup(layout BindGroupLayoutID, entries []BindGroupEntry, label string) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)

	// BeginComputePass starts recording a compute pass.
	BeginComputePass(label string) (PassEncoder, error)

	// Submit submits all recorded passes to the GPU queue and blocks
	// until they complete.
	Submit() error

	// Destroy releases the device and all resources it still owns.
	Destroy()
}

// PassEncoder records commands within a compute pass.
type PassEncoder interface {
	// SetPipeline binds the compute pipeline for subsequent dispatches.
	SetPipeline(id ComputePipelineID)

	// SetBindGroup binds a bind group at the given index.
	SetBindGroup(index uint32, group BindGroupID)

	// Dispatch dispatches workgroups in three dimensions.
	Dispatch(x, y, z uint32)

	// End finishes pass recording.
	End()
}

// TimestampProvider is an optional Device capability for fine-grained
// on-device timing. MeasureTimestamps must invoke fn exactly once and
// return the device-measured duration of the work fn recorded; a non-nil
// error means the measurement failed, not that fn failed.
type TimestampProvider interface {
	MeasureTimestamps(fn func()) (time.Duration, error)
}
