package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		OpenDuration:      20 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("embedding", testConfig())
	require.Equal(t, Closed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_TripsOpenAtThreshold(t *testing.T) {
	b := New("embedding", testConfig())

	b.RecordFailure(false)
	b.RecordFailure(false)
	assert.Equal(t, Closed, b.State())

	b.RecordFailure(false)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_FatalFailureTripsImmediately(t *testing.T) {
	b := New("embedding", testConfig())

	b.RecordFailure(true)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("embedding", testConfig())

	b.RecordFailure(false)
	b.RecordFailure(false)
	b.RecordSuccess()
	b.RecordFailure(false)
	b.RecordFailure(false)

	assert.Equal(t, Closed, b.State(), "success should clear the rolling failure count")
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	b := New("embedding", testConfig())
	b.RecordFailure(true)
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	b := New("embedding", testConfig())
	b.RecordFailure(true)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := New("embedding", testConfig())
	b.RecordFailure(true)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure(false)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	b := New("embedding", testConfig())

	var transitions []State
	b.SetOnStateChange(func(name string, from, to State) {
		assert.Equal(t, "embedding", name)
		transitions = append(transitions, to)
	})

	b.RecordFailure(true)
	assert.Equal(t, []State{Open}, transitions)
}

func TestBreaker_Do_ShortCircuitsWhenOpen(t *testing.T) {
	b := New("embedding", testConfig())
	b.RecordFailure(true)

	called := false
	err := b.Do(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_Do_RecordsSuccessAndFailure(t *testing.T) {
	b := New("embedding", testConfig())
	boom := errors.New("boom")

	err := b.Do(context.Background(), nil, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = b.Do(context.Background(), nil, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBreaker_Do_ContextCancellationDoesNotCountAsFailure(t *testing.T) {
	b := New("embedding", testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, nil, func(ctx context.Context) error { return context.Canceled })
	}

	assert.Equal(t, Closed, b.State(), "cancellation must not trip the breaker")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
}
