package order

import (
	"context"
	"sync"
	"time"
)

// Signal is a resettable one-shot event. The venue feed sets it from its
// dispatch goroutine while the trading loop waits on it, so it is the one
// piece of order state shared across goroutines.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Clear re-arms the signal. Waiters blocked on the previous generation keep
// their view of it; new waiters see the fresh one.
func (s *Signal) Clear() {
	s.mu.Lock()
	s.ch = make(chan struct{})
	s.set = false
	s.mu.Unlock()
}

func (s *Signal) Set() {
	s.mu.Lock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal fires, the timeout elapses, or ctx is
// canceled. It reports whether the signal fired; ctx cancellation is the
// only error.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
