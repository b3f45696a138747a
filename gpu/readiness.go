// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ReadyState is the initialization state of a GPU-backed solver.
//
// Transitions are NotReady -> Initializing -> Ready on success, and
// NotReady -> Initializing -> NotReady on failure or absence. A failed
// initialization is terminal for the instance; there is no automatic
// retry.
type ReadyState int32

// Solver readiness states.
const (
	StateNotReady ReadyState = iota
	StateInitializing
	StateReady
)

// String returns a human-readable state name.
func (s ReadyState) String() string {
	switch s {
	case StateNotReady:
		return "not-ready"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// AcquireFunc attempts to acquire a compute device. ErrGPUUnavailable
// means the host has no usable GPU; it is an expected outcome, not a
// fault.
type AcquireFunc func(ctx context.Context) (Device, error)

// SolverBackend tracks whether GPU acceleration came up for one solver.
// Absence of a GPU is a normal outcome: Initialize never returns an
// error, it settles the state and IsReady reports the result.
type SolverBackend struct {
	name    string
	acquire AcquireFunc
	logger  *slog.Logger

	mu        sync.Mutex
	state     ReadyState
	attempted bool
	device    Device
}

// NewSolverBackend creates a solver readiness machine. acquire is invoked
// once, on the first Initialize call.
func NewSolverBackend(name string, acquire AcquireFunc, logger *slog.Logger) *SolverBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SolverBackend{
		name:    name,
		acquire: acquire,
		logger:  logger,
		state:   StateNotReady,
	}
}

// Name returns the solver name.
func (s *SolverBackend) Name() string { return s.name }

// Initialize attempts to bring up GPU acceleration for this solver. It is
// safe to call unconditionally: when no GPU capability exists the state
// settles back to NotReady and no error escapes. Repeated calls after the
// first attempt are no-ops; a failed attempt is terminal.
func (s *SolverBackend) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.attempted || s.acquire == nil {
		s.mu.Unlock()
		return
	}
	s.attempted = true
	s.state = StateInitializing
	acquire := s.acquire
	s.mu.Unlock()

	device, err := acquire(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || device == nil {
		s.state = StateNotReady
		s.logger.Debug("solver gpu acceleration not available", "solver", s.name, "error", err)
		return
	}
	s.device = device
	s.state = StateReady
	s.logger.Info("solver gpu acceleration ready", "solver", s.name)
}

// IsReady reports whether GPU acceleration initialized successfully. It
// is always false before Initialize has been called.
func (s *SolverBackend) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// State returns the current readiness state.
func (s *SolverBackend) State() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the acquired device, or nil when the solver is not
// ready.
func (s *SolverBackend) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Registry tracks the known GPU-backed solvers.
type Registry struct {
	mu      sync.Mutex
	solvers map[string]*SolverBackend
}

// NewRegistry creates an empty solver registry.
func NewRegistry() *Registry {
	return &Registry{solvers: make(map[string]*SolverBackend)}
}

// Register adds a solver to the registry, replacing any previous solver
// with the same name.
func (r *Registry) Register(s *SolverBackend) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solvers[s.name] = s
}

// Get returns a registered solver by name.
func (r *Registry) Get(name string) (*SolverBackend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.solvers[name]
	return s, ok
}

// InitializeAll attempts to bring up every registered solver and returns
// the number that became ready. It completes normally even when zero
// solvers become ready.
func (r *Registry) InitializeAll(ctx context.Context) int {
	r.mu.Lock()
	solvers := make([]*SolverBackend, 0, len(r.solvers))
	for _, s := range r.solvers {
		solvers = append(solvers, s)
	}
	r.mu.Unlock()

	ready := 0
	for _, s := range solvers {
		s.Initialize(ctx)
		if s.IsReady() {
			ready++
		}
	}
	return ready
}

// ReadySolvers returns the sorted names of solvers that are ready.
func (r *Registry) ReadySolvers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.solvers))
	for name, s := range r.solvers {
		if s.IsReady() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the process-wide solver registry.
var DefaultRegistry = NewRegistry()

// RegisterSolver adds a solver to the default registry.
func RegisterSolver(s *SolverBackend) {
	DefaultRegistry.Register(s)
}

// InitializeAll brings up every solver in the default registry. It never
// fails; absence of GPU capability leaves solvers not ready.
func InitializeAll(ctx context.Context) int {
	return DefaultRegistry.InitializeAll(ctx)
}
