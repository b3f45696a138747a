// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/naga"
)

// Buffer is a GPU buffer owned by a PipelineRunner. Buffers are created
// through the runner and released either explicitly via DestroyBuffer or
// implicitly when the runner is destroyed.
type Buffer struct {
	id    BufferID
	size  uint64
	usage BufferUsage
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the buffer's usage flags.
func (b *Buffer) Usage() BufferUsage { return b.usage }

// RunnerOption configures a PipelineRunner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	entryPoint string
	inputCount int
}

// WithEntryPoint sets the shader entry point name. Default is "main".
func WithEntryPoint(name string) RunnerOption {
	return func(c *runnerConfig) {
		c.entryPoint = name
	}
}

// WithInputCount sets the number of read-only storage input bindings.
// Default is 1.
func WithInputCount(n int) RunnerOption {
	return func(c *runnerConfig) {
		c.inputCount = n
	}
}

// PipelineRunner owns an end-to-end compute pipeline: a compiled WGSL
// shader, its bind group layout, pipeline and an arena of data buffers.
// The binding convention is fixed: bindings 0..n-1 are read-only storage
// inputs, binding n is the read-write storage output, binding n+1 is a
// uniform parameter block.
//
// Run submits one dispatch at a time. Running concurrently against the
// same output buffer is a caller error; the runner does not serialize
// access to buffer contents.
type PipelineRunner struct {
	mu     sync.Mutex
	device Device
	label  string

	inputCount int
	module     ShaderModuleID
	bindLayout BindGroupLayoutID
	pipeLayout PipelineLayoutID
	pipeline   ComputePipelineID

	buffers   map[BufferID]*Buffer
	destroyed bool
}

// NewPipelineRunner compiles the WGSL source and eagerly creates the
// shader module, bind group layout, pipeline layout and compute pipeline.
// Any creation failure releases the resources created so far.
func NewPipelineRunner(device Device, source, label string, opts ...RunnerOption) (*PipelineRunner, error) {
	if device == nil {
		return nil, fmt.Errorf("nil device")
	}
	if !device.SupportsCompute() {
		return nil, fmt.Errorf("%w: device does not support compute", ErrGPUUnavailable)
	}

	cfg := runnerConfig{entryPoint: "main", inputCount: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.inputCount < 0 {
		return nil, fmt.Errorf("input count must be non-negative, got %d", cfg.inputCount)
	}

	spirv, err := compileWGSL(source)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", label, err)
	}

	r := &PipelineRunner{
		device:     device,
		label:      label,
		inputCount: cfg.inputCount,
		buffers:    make(map[BufferID]*Buffer),
	}

	r.module, err = device.CreateShaderModule(spirv, label)
	if err != nil {
		return nil, fmt.Errorf("create shader module: %w", err)
	}

	entries := make([]BindGroupLayoutEntry, 0, cfg.inputCount+2)
	for i := 0; i < cfg.inputCount; i++ {
		entries = append(entries, BindGroupLayoutEntry{
			Binding: uint32(i),
			Type:    BindingTypeReadOnlyStorageBuffer,
		})
	}
	entries = append(entries,
		BindGroupLayoutEntry{Binding: uint32(cfg.inputCount), Type: BindingTypeStorageBuffer},
		BindGroupLayoutEntry{Binding: uint32(cfg.inputCount + 1), Type: BindingTypeUniformBuffer},
	)

	r.bindLayout, err = device.CreateBindGroupLayout(&BindGroupLayoutDesc{
		Label:   label + "-bind-layout",
		Entries: entries,
	})
	if err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}

	r.pipeLayout, err = device.CreatePipelineLayout([]BindGroupLayoutID{r.bindLayout}, label+"-pipe-layout")
	if err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	r.pipeline, err = device.CreateComputePipeline(&ComputePipelineDesc{
		Label:        label + "-pipeline",
		Layout:       r.pipeLayout,
		ShaderModule: r.module,
		EntryPoint:   cfg.entryPoint,
	})
	if err != nil {
		r.destroyPartial()
		return nil, fmt.Errorf("create compute pipeline: %w", err)
	}

	return r, nil
}

// InputCount returns the number of read-only storage input bindings.
func (r *PipelineRunner) InputCount() int { return r.inputCount }

// CreateBuffer allocates a runner-owned buffer and, when initialData is
// non-nil, writes it as the initial contents. The buffer size equals
// len(initialData).
func (r *PipelineRunner) CreateBuffer(initialData []byte, usage BufferUsage) (*Buffer, error) {
	return r.createBuffer(uint64(len(initialData)), usage, initialData)
}

// CreateEmptyBuffer allocates a runner-owned buffer of the given size with
// undefined contents.
func (r *PipelineRunner) CreateEmptyBuffer(size uint64, usage BufferUsage) (*Buffer, error) {
	return r.createBuffer(size, usage, nil)
}

func (r *PipelineRunner) createBuffer(size uint64, usage BufferUsage, initialData []byte) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return nil, fmt.Errorf("%s: runner destroyed", r.label)
	}
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be positive")
	}

	id, err := r.device.CreateBuffer(&BufferDescriptor{
		Label: r.label + "-data",
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}
	if len(initialData) > 0 {
		if werr := r.device.WriteBuffer(id, 0, initialData); werr != nil {
			r.device.DestroyBuffer(id)
			return nil, werr
		}
	}

	buf := &Buffer{id: id, size: size, usage: usage}
	r.buffers[id] = buf
	return buf, nil
}

// WriteBuffer overwrites buffer contents at the given offset.
func (r *PipelineRunner) WriteBuffer(buf *Buffer, offset uint64, data []byte) error {
	if err := r.checkOwned(buf); err != nil {
		return err
	}
	return r.device.WriteBuffer(buf.id, offset, data)
}

// ReadBuffer reads back the full contents of a buffer, blocking until
// prior GPU work on it has completed.
func (r *PipelineRunner) ReadBuffer(buf *Buffer) ([]byte, error) {
	if err := r.checkOwned(buf); err != nil {
		return nil, err
	}
	return r.device.ReadBuffer(buf.id, 0, buf.size)
}

// DestroyBuffer releases a runner-owned buffer. Destroying a buffer that
// was already released is a no-op.
func (r *PipelineRunner) DestroyBuffer(buf *Buffer) {
	if buf == nil {
		return
	}
	r.mu.Lock()
	_, ok := r.buffers[buf.id]
	if ok {
		delete(r.buffers, buf.id)
	}
	r.mu.Unlock()

	if ok {
		r.device.DestroyBuffer(buf.id)
	}
}

// Run binds the given buffers to the fixed layout and submits a single
// dispatch: one bind group, one compute pass, one submit. It blocks until
// the GPU has completed the dispatch.
func (r *PipelineRunner) Run(inputs []*Buffer, output, uniform *Buffer, workgroups [3]uint32) error {
	if len(inputs) != r.inputCount {
		return fmt.Errorf("%s: expected %d input buffers, got %d", r.label, r.inputCount, len(inputs))
	}
	for i, in := range inputs {
		if err := r.checkOwned(in); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	if err := r.checkOwned(output); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if err := r.checkOwned(uniform); err != nil {
		return fmt.Errorf("uniform: %w", err)
	}
	if workgroups[0] == 0 || workgroups[1] == 0 || workgroups[2] == 0 {
		return fmt.Errorf("%s: workgroup counts must be positive, got %v", r.label, workgroups)
	}
	if max := r.device.MaxWorkgroupSize(); workgroups[0] > max[0] || workgroups[1] > max[1] || workgroups[2] > max[2] {
		return fmt.Errorf("%s: workgroup counts %v exceed device limits %v", r.label, workgroups, max)
	}

	entries := make([]BindGroupEntry, 0, r.inputCount+2)
	for i, in := range inputs {
		entries = append(entries, BindGroupEntry{Binding: uint32(i), Buffer: in.id})
	}
	entries = append(entries,
		BindGroupEntry{Binding: uint32(r.inputCount), Buffer: output.id},
		BindGroupEntry{Binding: uint32(r.inputCount + 1), Buffer: uniform.id},
	)

	bg, err := r.device.CreateBindGroup(r.bindLayout, entries, r.label+"-bind")
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer r.device.DestroyBindGroup(bg)

	pass, err := r.device.BeginComputePass(r.label)
	if err != nil {
		return fmt.Errorf("begin compute pass: %w", err)
	}
	pass.SetPipeline(r.pipeline)
	pass.SetBindGroup(0, bg)
	pass.Dispatch(workgroups[0], workgroups[1], workgroups[2])
	pass.End()

	return r.device.Submit()
}

// Destroy releases the pipeline resources and every buffer still owned by
// the runner. Destroy is idempotent; buffer handles become invalid.
func (r *PipelineRunner) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return
	}
	r.destroyed = true

	for id := range r.buffers {
		r.device.DestroyBuffer(id)
		delete(r.buffers, id)
	}
	r.destroyPipelineResources()
}

// destroyPartial releases whatever pipeline resources exist after a failed
// constructor.
func (r *PipelineRunner) destroyPartial() {
	r.destroyed = true
	r.destroyPipelineResources()
}

func (r *PipelineRunner) destroyPipelineResources() {
	if r.pipeline != InvalidID {
		r.device.DestroyComputePipeline(r.pipeline)
		r.pipeline = InvalidID
	}
	if r.pipeLayout != InvalidID {
		r.device.DestroyPipelineLayout(r.pipeLayout)
		r.pipeLayout = InvalidID
	}
	if r.bindLayout != InvalidID {
		r.device.DestroyBindGroupLayout(r.bindLayout)
		r.bindLayout = InvalidID
	}
	if r.module != InvalidID {
		r.device.DestroyShaderModule(r.module)
		r.module = InvalidID
	}
}

func (r *PipelineRunner) checkOwned(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("nil buffer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return fmt.Errorf("%s: runner destroyed", r.label)
	}
	if _, ok := r.buffers[buf.id]; !ok {
		return fmt.Errorf("buffer %d not owned by runner %s", buf.id, r.label)
	}
	return nil
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(source string) ([]uint32, error) {
	if source == "" {
		return nil, fmt.Errorf("empty shader source")
	}
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, err
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V output length %d is not word-aligned", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}
