// Package completion provides a single-assignment, awaitable result cell.
package completion

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimedOut is returned by Await when the timeout elapses first.
	ErrTimedOut = errors.New("completion: timed out")
	// ErrCanceled is the failure recorded by Cancel.
	ErrCanceled = errors.New("completion: canceled")
)

// Signal is resolved exactly once with a value or a failure. Later
// resolutions are ignored, except that the answered flag is OR-merged.
type Signal[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	answered bool
	value    T
	err      error
}

// New returns an unresolved signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// Resolve records a successful value. It reports whether this call won.
func (s *Signal[T]) Resolve(value T) bool {
	return s.complete(value, nil, true)
}

// Fail records a failure. It reports whether this call won.
func (s *Signal[T]) Fail(err error) bool {
	if err == nil {
		err = ErrCanceled
	}
	var zero T
	return s.complete(zero, err, false)
}

// Cancel fails the signal with ErrCanceled if still unresolved.
func (s *Signal[T]) Cancel() bool {
	return s.Fail(ErrCanceled)
}

func (s *Signal[T]) complete(value T, err error, answered bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		s.answered = s.answered || answered
		return false
	}
	s.resolved = true
	s.answered = answered
	s.value = value
	s.err = err
	close(s.done)
	return true
}

// Done is closed once the signal is resolved.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// IsDone reports whether the signal has been resolved.
func (s *Signal[T]) IsDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// IsAnswered reports whether any resolution attempt carried a success.
func (s *Signal[T]) IsAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// Result returns the resolved value and error. ok is false while unresolved.
func (s *Signal[T]) Result() (value T, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolved {
		return value, nil, false
	}
	return s.value, s.err, true
}

// Await blocks until the signal resolves, the timeout elapses or ctx ends.
// A non-positive timeout waits without a deadline.
func (s *Signal[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-s.done:
	case <-timeoutC:
		var zero T
		return zero, ErrTimedOut
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}
