// Package breaker implements a per-component circuit breaker state machine
// (Closed/Open/HalfOpen), used by the orchestrator to isolate a failing
// dependency and by the embedding runtime's device selector to fall back
// from an accelerator backend to CPU.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of Closed, Open, or HalfOpen.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow when the breaker is open and short-circuiting
// calls.
var ErrOpen = errors.New("circuit breaker open")

// Config holds the breaker's transition thresholds.
type Config struct {
	FailureThreshold int           // Closed → Open: failures within Window
	Window           time.Duration // sliding window for counting failures
	OpenDuration     time.Duration // Open → HalfOpen after this elapses
	SuccessThreshold int           // HalfOpen → Closed: consecutive successes
}

// OnStateChange is invoked whenever the breaker transitions, with the name
// it was constructed with and the new state. Used to publish
// circuit_breaker.state events.
type OnStateChange func(name string, from, to State)

// Breaker is a thread-safe circuit breaker for one coordinated component
// (embedding, search, promotion, backup, or an accelerator device).
type Breaker struct {
	name   string
	config Config
	onChange OnStateChange

	mu              sync.Mutex
	state           State
	failures        []time.Time // failure timestamps within the window, Closed state
	openedAt        time.Time
	halfOpenSuccess int
}

// New creates a Breaker named name (used in logging and state-change
// events) with the given configuration.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config,
		state:  Closed,
	}
}

// SetOnStateChange registers a callback invoked on every state transition.
// Not safe to call concurrently with Allow/RecordSuccess/RecordFailure.
func (b *Breaker) SetOnStateChange(fn OnStateChange) {
	b.onChange = fn
}

// Name returns the breaker's component name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked lazily transitions Open → HalfOpen once OpenDuration
// has elapsed, without requiring a background timer.
func (b *Breaker) currentStateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.config.OpenDuration {
		b.transitionLocked(HalfOpen)
	}
	return b.state
}

// Allow reports whether a call may proceed. It returns ErrOpen when the
// breaker is open and the call must short-circuit as ServiceUnavailable.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentStateLocked() == Open {
		return ErrOpen
	}
	return nil
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case HalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	case Closed:
		b.failures = nil
	}
}

// RecordFailure reports a failed call outcome. fatal marks a failure that
// trips the breaker immediately regardless of threshold.
func (b *Breaker) RecordFailure(fatal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case HalfOpen:
		b.transitionLocked(Open)
		return
	case Open:
		return
	}

	if fatal {
		b.transitionLocked(Open)
		return
	}

	now := time.Now()
	b.failures = append(b.failures, now)
	b.failures = pruneBefore(b.failures, now.Add(-b.config.Window))

	if len(b.failures) >= b.config.FailureThreshold {
		b.transitionLocked(Open)
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func (b *Breaker) transitionLocked(to State) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case Open:
		b.openedAt = time.Now()
		b.halfOpenSuccess = 0
	case HalfOpen:
		b.halfOpenSuccess = 0
	case Closed:
		b.failures = nil
		b.halfOpenSuccess = 0
	}

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Do runs fn if the breaker allows it, recording the outcome. A context
// deadline exceeded or cancellation is not treated as a breaker failure —
// only errors from fn itself count, so a caller-side timeout doesn't
// spuriously trip the breaker.
func (b *Breaker) Do(ctx context.Context, fatal func(error) bool, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		b.RecordSuccess()
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	isFatal := fatal != nil && fatal(err)
	b.RecordFailure(isFatal)
	return err
}
