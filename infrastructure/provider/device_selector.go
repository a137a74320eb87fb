package provider

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/memtier/tvme/domain/embedding"
	"github.com/memtier/tvme/domain/search"
	"github.com/memtier/tvme/internal/breaker"
)

// Backend identifies an embedding execution path.
type Backend string

// Supported backends.
const (
	BackendCPU         Backend = "cpu"
	BackendAccelerator Backend = "accelerator"
)

// DeviceSelectorConfig tunes the accelerator circuit:
// trip after FailureThreshold consecutive accelerator failures, stay
// open for RecoveryTime, then go half-open: one accelerator success
// closes the circuit and one failure reopens it. Half-open does not
// limit traffic to a single probe; every call in that state is routed
// to the accelerator.
type DeviceSelectorConfig struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	AcceleratorBatch int // preferred batch size once on the accelerator path
}

// DefaultDeviceSelectorConfig returns the defaults: 3
// consecutive failures trips the circuit, 5 minute recovery, batches
// of 64 on the accelerator path.
func DefaultDeviceSelectorConfig() DeviceSelectorConfig {
	return DeviceSelectorConfig{
		FailureThreshold: 3,
		RecoveryTime:     5 * time.Minute,
		AcceleratorBatch: 64,
	}
}

// DeviceSelector wraps an accelerator-backed Embedder and a CPU
// fallback Embedder, routing to the accelerator while its circuit is
// closed/half-open and falling back to CPU once it trips open. A
// forced CPU mode always wins regardless of circuit state.
//
// The batch-size decision is cached and only recomputed when
// force-CPU mode or the circuit state changes.
type DeviceSelector struct {
	accelerator search.Embedder
	cpu         search.Embedder
	breaker     *breaker.Breaker

	mu           sync.Mutex
	forceCPU     bool
	cachedState  breaker.State
	cachedForce  bool
	cachedBatch  int
	cachedCached bool
}

// NewDeviceSelector creates a DeviceSelector. accelerator may be nil if
// no accelerator backend is configured, in which case the selector
// always routes to cpu.
func NewDeviceSelector(accelerator, cpu search.Embedder, cfg DeviceSelectorConfig) *DeviceSelector {
	b := breaker.New("embedding-accelerator", breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		Window:           cfg.RecoveryTime,
		OpenDuration:     cfg.RecoveryTime,
		SuccessThreshold: 1,
	})
	return &DeviceSelector{
		accelerator: accelerator,
		cpu:         cpu,
		breaker:     b,
		cachedBatch: cfg.AcceleratorBatch,
	}
}

// ForceCPU pins routing to the CPU backend regardless of circuit
// state, and always wins over the circuit's own routing decision.
func (d *DeviceSelector) ForceCPU(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCPU = force
	d.cachedCached = false
}

// ActiveBackend reports which backend the next Embed call would route
// to, without performing any inference.
func (d *DeviceSelector) ActiveBackend() Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeBackendLocked()
}

func (d *DeviceSelector) activeBackendLocked() Backend {
	if d.forceCPU || d.accelerator == nil {
		return BackendCPU
	}
	if d.breaker.Allow() != nil {
		return BackendCPU
	}
	return BackendAccelerator
}

// Capacity returns the batch size appropriate for the currently active
// backend, recomputing only when the force flag or circuit state has
// changed since the last call.
func (d *DeviceSelector) Capacity() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.breaker.State()
	if d.cachedCached && d.forceCPU == d.cachedForce && state == d.cachedState {
		if d.forceCPU || d.accelerator == nil || state == breaker.Open {
			return cpuBatchSize()
		}
		return d.cachedBatch
	}

	d.cachedForce = d.forceCPU
	d.cachedState = state
	d.cachedCached = true

	if d.activeBackendLocked() == BackendAccelerator {
		return d.cachedBatch
	}
	return cpuBatchSize()
}

// Embed routes to the accelerator while its circuit is closed or
// half-open, recording success/failure against the breaker, and falls
// back to CPU once the circuit is open or force-CPU is set. A failed
// accelerator call is retried once against CPU so a transient
// accelerator fault doesn't fail the whole request.
func (d *DeviceSelector) Embed(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	d.mu.Lock()
	backend := d.activeBackendLocked()
	d.mu.Unlock()

	if backend == BackendCPU {
		return d.cpu.Embed(ctx, texts)
	}

	vectors, err := d.accelerator.Embed(ctx, texts)
	if err == nil {
		d.breaker.RecordSuccess()
		return vectors, nil
	}
	d.breaker.RecordFailure(false)
	return d.cpu.Embed(ctx, texts)
}

// Mock reports false: a DeviceSelector always routes to a real
// backend (accelerator or CPU), never the hash-based fallback.
func (d *DeviceSelector) Mock() bool { return false }

// cpuBatchSize derives a CPU batch size from the available core count.
func cpuBatchSize() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

var _ search.Embedder = (*DeviceSelector)(nil)
