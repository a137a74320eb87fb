package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtier/tvme/domain/embedding"
)

type stubEmbedder struct {
	capacity int
	err      error
	calls    int
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([]embedding.Vector, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	vecs := make([]embedding.Vector, len(texts))
	for i := range texts {
		vecs[i] = embedding.Vector{1, 0}
	}
	return vecs, nil
}

func (s *stubEmbedder) Capacity() int { return s.capacity }

func TestDeviceSelector_RoutesToAcceleratorByDefault(t *testing.T) {
	accel := &stubEmbedder{capacity: 64}
	cpu := &stubEmbedder{capacity: 10}
	d := NewDeviceSelector(accel, cpu, DefaultDeviceSelectorConfig())

	assert.Equal(t, BackendAccelerator, d.ActiveBackend())

	_, err := d.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, accel.calls)
	assert.Equal(t, 0, cpu.calls)
}

func TestDeviceSelector_ForceCPUAlwaysWins(t *testing.T) {
	accel := &stubEmbedder{capacity: 64}
	cpu := &stubEmbedder{capacity: 10}
	d := NewDeviceSelector(accel, cpu, DefaultDeviceSelectorConfig())

	d.ForceCPU(true)
	assert.Equal(t, BackendCPU, d.ActiveBackend())

	_, err := d.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 0, accel.calls)
	assert.Equal(t, 1, cpu.calls)
}

func TestDeviceSelector_TripsCircuitAfterConsecutiveFailures(t *testing.T) {
	failing := errors.New("accelerator unavailable")
	accel := &stubEmbedder{err: failing}
	cpu := &stubEmbedder{capacity: 10}

	cfg := DefaultDeviceSelectorConfig()
	cfg.FailureThreshold = 2
	d := NewDeviceSelector(accel, cpu, cfg)

	for i := 0; i < 2; i++ {
		_, err := d.Embed(context.Background(), []string{"a"})
		require.NoError(t, err) // falls back to cpu, which succeeds
	}

	assert.Equal(t, BackendCPU, d.ActiveBackend())
	assert.Equal(t, 2, accel.calls)
	assert.Equal(t, 2, cpu.calls)

	// circuit now open: further calls go straight to cpu without touching accel
	_, err := d.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, accel.calls)
	assert.Equal(t, 3, cpu.calls)
}

func TestDeviceSelector_NoAcceleratorRoutesToCPU(t *testing.T) {
	cpu := &stubEmbedder{capacity: 10}
	d := NewDeviceSelector(nil, cpu, DefaultDeviceSelectorConfig())

	assert.Equal(t, BackendCPU, d.ActiveBackend())
	_, err := d.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, cpu.calls)
}

func TestDeviceSelector_CapacityReflectsActiveBackend(t *testing.T) {
	accel := &stubEmbedder{capacity: 64}
	cpu := &stubEmbedder{capacity: 10}
	d := NewDeviceSelector(accel, cpu, DefaultDeviceSelectorConfig())

	assert.Equal(t, 64, d.Capacity())

	d.ForceCPU(true)
	assert.Greater(t, d.Capacity(), 0)
}

func TestDeviceSelector_Mock(t *testing.T) {
	d := NewDeviceSelector(nil, &stubEmbedder{capacity: 10}, DefaultDeviceSelectorConfig())
	assert.False(t, d.Mock())
}
