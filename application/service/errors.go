package service

import "errors"

// ErrClientClosed indicates the engine has been shut down.
var ErrClientClosed = errors.New("engine: client is closed")

// ErrCycleAlreadyRunning indicates a promotion cycle was requested for a
// tier that is still being processed by a prior cycle.
var ErrCycleAlreadyRunning = errors.New("promotion: cycle already running for tier")

// ErrServiceUnavailable wraps an error returned while a component's
// circuit breaker is open, signaling callers should back off rather than
// retry immediately.
var ErrServiceUnavailable = errors.New("engine: component unavailable")
