// Package taskpool provides small primitives for running work with a
// timeout, and for joining groups of goroutines with a bound on how long
// we're prepared to wait.
//
// The contract that matters: a timed-out task is always reclaimed. The
// worker goroutine is handed a cancel channel, and once its function
// returns, the goroutine exits. We never leave a detached goroutine behind
// with nobody waiting on it.
package taskpool

import (
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("task timed out")

// RunWithTimeout runs fn in its own goroutine and waits up to timeout for
// it to finish. On timeout, the cancel channel passed to fn is closed and
// ErrTimeout is returned; fn is expected to notice the cancel and return,
// at which point its goroutine exits. fn's own error is returned if it
// finishes in time.
func RunWithTimeout(timeout time.Duration, fn func(cancel <-chan struct{}) error) error {
	cancel := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- fn(cancel)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		close(cancel)
		return ErrTimeout
	}
}

// Group tracks a set of goroutines and supports a bounded join.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn on a new goroutine tracked by the group.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// WaitTimeout waits for all goroutines in the group to finish, up to the
// given timeout. Returns true if everything finished, false if we gave up
// waiting. Callers treat a false return as a leak worth logging loudly.
func (g *Group) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
