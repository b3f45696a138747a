// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// halBuffer tracks a HAL buffer together with its allocation size, which
// bind group creation needs for the buffer binding range.
type halBuffer struct {
	buf  hal.Buffer
	size uint64
}

// HALDevice implements Device on top of gogpu/wgpu's HAL layer. Resource
// operations map opaque IDs to native HAL handles.
//
// HALDevice is safe for concurrent use from multiple goroutines.
type HALDevice struct {
	mu       sync.RWMutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	logger   *slog.Logger

	limits       gputypes.Limits
	maxWorkgroup [3]uint32

	nextID atomic.Uint64

	buffers          map[BufferID]halBuffer
	shaderModules    map[ShaderModuleID]hal.ShaderModule
	bindGroupLayouts map[BindGroupLayoutID]hal.BindGroupLayout
	pipelineLayouts  map[PipelineLayoutID]hal.PipelineLayout
	computePipelines map[ComputePipelineID]hal.ComputePipeline
	bindGroups       map[BindGroupID]hal.BindGroup

	// Command encoder for the current submission.
	encoder    hal.CommandEncoder
	hasEncoder bool

	destroyed bool
}

var _ Device = (*HALDevice)(nil)

// Acquire creates a standalone compute device on the first usable Vulkan
// adapter, preferring discrete over integrated GPUs. All failure modes
// wrap ErrGPUUnavailable so callers can degrade to CPU execution.
func Acquire(logger *slog.Logger) (*HALDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not registered", ErrGPUUnavailable)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %v", ErrGPUUnavailable, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no adapters found", ErrGPUUnavailable)
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device %q: %v", ErrGPUUnavailable, selected.Info.Name, err)
	}

	logger.Info("gpu device acquired", "adapter", selected.Info.Name, "type", selected.Info.DeviceType)

	d := &HALDevice{
		instance:         instance,
		device:           openDev.Device,
		queue:            openDev.Queue,
		logger:           logger,
		limits:           limits,
		maxWorkgroup:     [3]uint32{limits.MaxComputeWorkgroupSizeX, limits.MaxComputeWorkgroupSizeY, limits.MaxComputeWorkgroupSizeZ},
		buffers:          make(map[BufferID]halBuffer),
		shaderModules:    make(map[ShaderModuleID]hal.ShaderModule),
		bindGroupLayouts: make(map[BindGroupLayoutID]hal.BindGroupLayout),
		pipelineLayouts:  make(map[PipelineLayoutID]hal.PipelineLayout),
		computePipelines: make(map[ComputePipelineID]hal.ComputePipeline),
		bindGroups:       make(map[BindGroupID]hal.BindGroup),
	}
	// 0 is InvalidID.
	d.nextID.Store(1)
	return d, nil
}

func (d *HALDevice) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// SupportsCompute reports whether compute shaders are available.
func (d *HALDevice) SupportsCompute() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.destroyed && d.device != nil
}

// MaxWorkgroupSize returns the per-dimension workgroup count limits.
func (d *HALDevice) MaxWorkgroupSize() [3]uint32 {
	return d.maxWorkgroup
}

// CreateShaderModule creates a shader module from SPIR-V code.
func (d *HALDevice) CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error) {
	if len(spirv) == 0 {
		return InvalidID, fmt.Errorf("empty SPIR-V code")
	}

	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return InvalidID, fmt.Errorf("create shader module: %w", err)
	}

	id := ShaderModuleID(d.newID())
	d.mu.Lock()
	d.shaderModules[id] = module
	d.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (d *HALDevice) DestroyShaderModule(id ShaderModuleID) {
	d.mu.Lock()
	module, ok := d.shaderModules[id]
	if ok {
		delete(d.shaderModules, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyShaderModule(module)
	}
}

// CreateBuffer allocates a buffer.
func (d *HALDevice) CreateBuffer(desc *BufferDescriptor) (BufferID, error) {
	if desc == nil || desc.Size == 0 {
		return InvalidID, fmt.Errorf("buffer size must be positive")
	}

	buffer, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label:            desc.Label,
		Size:             desc.Size,
		Usage:            convertBufferUsage(desc.Usage),
		MappedAtCreation: desc.MappedAtCreation,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("create buffer: %w", err)
	}

	id := BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = halBuffer{buf: buffer, size: desc.Size}
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a buffer.
func (d *HALDevice) DestroyBuffer(id BufferID) {
	d.mu.Lock()
	entry, ok := d.buffers[id]
	if ok {
		delete(d.buffers, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBuffer(entry.buf)
	}
}

// WriteBuffer writes data into a buffer at the given offset.
func (d *HALDevice) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	d.mu.RLock()
	entry, ok := d.buffers[id]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("buffer %d not found", id)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.queue.WriteBuffer(entry.buf, offset, data); err != nil {
		return fmt.Errorf("write buffer: %w", err)
	}
	return nil
}

// ReadBuffer copies size bytes out of a buffer through a staging buffer,
// blocking until the GPU has finished touching it.
func (d *HALDevice) ReadBuffer(id BufferID, offset, size uint64) ([]byte, error) {
	d.mu.RLock()
	entry, ok := d.buffers[id]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("buffer %d not found", id)
	}
	if offset+size > entry.size {
		return nil, fmt.Errorf("read range [%d, %d) exceeds buffer size %d", offset, offset+size, entry.size)
	}

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback-staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(entry.buf, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	if err := d.submitAndWait([]hal.CommandBuffer{cmdBuf}); err != nil {
		return nil, err
	}

	// The copy has completed, so mapping the staging buffer is safe.
	mapping, err := d.device.MapBuffer(staging, 0, size)
	if err != nil {
		return nil, fmt.Errorf("map staging buffer: %w", err)
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(mapping.Ptr), size))
	if err := d.device.UnmapBuffer(staging); err != nil {
		return nil, fmt.Errorf("unmap staging buffer: %w", err)
	}
	return out, nil
}

// CreateBindGroupLayout creates a bind group layout.
func (d *HALDevice) CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error) {
	if desc == nil {
		return InvalidID, fmt.Errorf("nil bind group layout descriptor")
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: convertBindingType(e.Type)},
		}
	}

	layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("create bind group layout: %w", err)
	}

	id := BindGroupLayoutID(d.newID())
	d.mu.Lock()
	d.bindGroupLayouts[id] = layout
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (d *HALDevice) DestroyBindGroupLayout(id BindGroupLayoutID) {
	d.mu.Lock()
	layout, ok := d.bindGroupLayouts[id]
	if ok {
		delete(d.bindGroupLayouts, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroupLayout(layout)
	}
}

// CreatePipelineLayout creates a pipeline layout from bind group layouts.
func (d *HALDevice) CreatePipelineLayout(layouts []BindGroupLayoutID, label string) (PipelineLayoutID, error) {
	d.mu.RLock()
	halLayouts := make([]hal.BindGroupLayout, len(layouts))
	for i, lid := range layouts {
		layout, ok := d.bindGroupLayouts[lid]
		if !ok {
			d.mu.RUnlock()
			return InvalidID, fmt.Errorf("bind group layout %d not found", lid)
		}
		halLayouts[i] = layout
	}
	d.mu.RUnlock()

	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: halLayouts,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("create pipeline layout: %w", err)
	}

	id := PipelineLayoutID(d.newID())
	d.mu.Lock()
	d.pipelineLayouts[id] = pipeLayout
	d.mu.Unlock()
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *HALDevice) DestroyPipelineLayout(id PipelineLayoutID) {
	d.mu.Lock()
	layout, ok := d.pipelineLayouts[id]
	if ok {
		delete(d.pipelineLayouts, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyPipelineLayout(layout)
	}
}

// CreateComputePipeline creates a compute pipeline.
func (d *HALDevice) CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error) {
	if desc == nil {
		return InvalidID, fmt.Errorf("nil compute pipeline descriptor")
	}

	d.mu.RLock()
	layout, layoutOK := d.pipelineLayouts[desc.Layout]
	module, moduleOK := d.shaderModules[desc.ShaderModule]
	d.mu.RUnlock()

	if !layoutOK {
		return InvalidID, fmt.Errorf("pipeline layout %d not found", desc.Layout)
	}
	if !moduleOK {
		return InvalidID, fmt.Errorf("shader module %d not found", desc.ShaderModule)
	}

	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: module, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		return InvalidID, fmt.Errorf("create compute pipeline: %w", err)
	}

	id := ComputePipelineID(d.newID())
	d.mu.Lock()
	d.computePipelines[id] = pipeline
	d.mu.Unlock()
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (d *HALDevice) DestroyComputePipeline(id ComputePipelineID) {
	d.mu.Lock()
	pipeline, ok := d.computePipelines[id]
	if ok {
		delete(d.computePipelines, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyComputePipeline(pipeline)
	}
}

// CreateBindGroup creates a bind group binding buffers to layout slots.
// Each entry binds the buffer's full range.
func (d *HALDevice) CreateBindGroup(layout BindGroupLayoutID, entries []BindGroupEntry, label string) (BindGroupID, error) {
	d.mu.RLock()
	halLayout, ok := d.bindGroupLayouts[layout]
	if !ok {
		d.mu.RUnlock()
		return InvalidID, fmt.Errorf("bind group layout %d not found", layout)
	}

	halEntries := make([]gputypes.BindGroupEntry, len(entries))
	for i, e := range entries {
		buf, bok := d.buffers[e.Buffer]
		if !bok {
			d.mu.RUnlock()
			return InvalidID, fmt.Errorf("buffer %d not found for binding %d", e.Buffer, e.Binding)
		}
		halEntries[i] = gputypes.BindGroupEntry{
			Binding:  e.Binding,
			Resource: gputypes.BufferBinding{Buffer: buf.buf.NativeHandle(), Offset: 0, Size: buf.size},
		}
	}
	d.mu.RUnlock()

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  halLayout,
		Entries: halEntries,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("create bind group: %w", err)
	}

	id := BindGroupID(d.newID())
	d.mu.Lock()
	d.bindGroups[id] = group
	d.mu.Unlock()
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (d *HALDevice) DestroyBindGroup(id BindGroupID) {
	d.mu.Lock()
	group, ok := d.bindGroups[id]
	if ok {
		delete(d.bindGroups, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroup(group)
	}
}

// BeginComputePass starts recording a compute pass, creating the command
// encoder for the current submission if needed.
func (d *HALDevice) BeginComputePass(label string) (PassEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasEncoder {
		encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "compute-encoder"})
		if err != nil {
			return nil, fmt.Errorf("create command encoder: %w", err)
		}
		if err := encoder.BeginEncoding("compute"); err != nil {
			return nil, fmt.Errorf("begin encoding: %w", err)
		}
		d.encoder = encoder
		d.hasEncoder = true
	}

	pass := d.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	return &halPassEncoder{device: d, pass: pass}, nil
}

// Submit ends the current encoder, submits it to the queue and blocks
// until the GPU signals completion.
func (d *HALDevice) Submit() error {
	d.mu.Lock()
	if !d.hasEncoder || d.encoder == nil {
		d.mu.Unlock()
		return nil
	}
	encoder := d.encoder
	d.encoder = nil
	d.hasEncoder = false
	d.mu.Unlock()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	return d.submitAndWait([]hal.CommandBuffer{cmdBuf})
}

// submitAndWait submits command buffers and blocks until the GPU has
// executed them. The HAL owns the fences behind the submission index, so
// completion is confirmed by draining the device and polling the index.
func (d *HALDevice) submitAndWait(cmdBufs []hal.CommandBuffer) error {
	index, err := d.queue.Submit(cmdBufs)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := d.device.WaitIdle(); err != nil {
		return fmt.Errorf("wait for GPU: %w", err)
	}
	if completed := d.queue.PollCompleted(); completed < index {
		return fmt.Errorf("submission %d not complete after device idle (completed %d)", index, completed)
	}
	return nil
}

// Destroy releases the device, its instance and all tracked resources.
// Destroy is idempotent.
func (d *HALDevice) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return
	}
	d.destroyed = true

	for id, group := range d.bindGroups {
		d.device.DestroyBindGroup(group)
		delete(d.bindGroups, id)
	}
	for id, pipeline := range d.computePipelines {
		d.device.DestroyComputePipeline(pipeline)
		delete(d.computePipelines, id)
	}
	for id, layout := range d.pipelineLayouts {
		d.device.DestroyPipelineLayout(layout)
		delete(d.pipelineLayouts, id)
	}
	for id, layout := range d.bindGroupLayouts {
		d.device.DestroyBindGroupLayout(layout)
		delete(d.bindGroupLayouts, id)
	}
	for id, module := range d.shaderModules {
		d.device.DestroyShaderModule(module)
		delete(d.shaderModules, id)
	}
	for id, entry := range d.buffers {
		d.device.DestroyBuffer(entry.buf)
		delete(d.buffers, id)
	}

	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
	d.queue = nil
}

// halPassEncoder records into a HAL compute pass.
type halPassEncoder struct {
	device *HALDevice
	pass   hal.ComputePassEncoder
}

func (e *halPassEncoder) SetPipeline(id ComputePipelineID) {
	e.device.mu.RLock()
	pipeline, ok := e.device.computePipelines[id]
	e.device.mu.RUnlock()
	if ok {
		e.pass.SetPipeline(pipeline)
	}
}

func (e *halPassEncoder) SetBindGroup(index uint32, group BindGroupID) {
	e.device.mu.RLock()
	bg, ok := e.device.bindGroups[group]
	e.device.mu.RUnlock()
	if ok {
		e.pass.SetBindGroup(index, bg, nil)
	}
}

func (e *halPassEncoder) Dispatch(x, y, z uint32) {
	e.pass.Dispatch(x, y, z)
}

func (e *halPassEncoder) End() {
	e.pass.End()
}

func convertBufferUsage(usage BufferUsage) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if usage&BufferUsageMapRead != 0 {
		out |= gputypes.BufferUsageMapRead
	}
	if usage&BufferUsageMapWrite != 0 {
		out |= gputypes.BufferUsageMapWrite
	}
	if usage&BufferUsageCopySrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	if usage&BufferUsageCopyDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if usage&BufferUsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if usage&BufferUsageStorage != 0 {
		out |= gputypes.BufferUsageStorage
	}
	return out
}

func convertBindingType(t BindingType) gputypes.BufferBindingType {
	switch t {
	case BindingTypeUniformBuffer:
		return gputypes.BufferBindingTypeUniform
	case BindingTypeReadOnlyStorageBuffer:
		return gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return gputypes.BufferBindingTypeStorage
	}
}
