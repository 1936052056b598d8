// Package readiness holds callers back until a freshly launched worker
// announces that it has finished booting.
package readiness

import (
	"context"
	"sync"
	"time"

	"github.com/lydakis/workerbus/internal/workererr"
)

// Gate is a one-shot latch for a single process generation. It opens once,
// on MarkReady, or fails once, on Fail; whichever happens first sticks.
type Gate struct {
	role string

	mu      sync.Mutex
	ready   chan struct{}
	failed  chan struct{}
	err     error
	waiters int
}

// New creates a closed gate. role names the worker in timeout errors.
func New(role string) *Gate {
	return &Gate{
		role:   role,
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// Wait returns nil once the gate is ready. Each waiter carries its own
// deadline: when timeout elapses first, only this waiter fails, with a
// ReadinessTimeoutError. timeout <= 0 waits without a deadline.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) error {
	if done, err := g.check(); done {
		return err
	}

	g.mu.Lock()
	g.waiters++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiters--
		g.mu.Unlock()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-g.ready:
		_, err := g.check()
		return err
	case <-g.failed:
		return g.failure()
	case <-deadline:
		return &workererr.ReadinessTimeoutError{Role: g.role, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// check reports whether the gate is settled and, if so, the outcome. A
// failure takes precedence over readiness.
func (g *Gate) check() (bool, error) {
	select {
	case <-g.failed:
		return true, g.failure()
	default:
	}
	select {
	case <-g.ready:
		return true, nil
	default:
		return false, nil
	}
}

func (g *Gate) failure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// MarkReady releases every waiter at once. It reports whether this call
// opened the gate.
func (g *Gate) MarkReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settledLocked() {
		return false
	}
	close(g.ready)
	return true
}

// Fail fails all current and future waiters with err. A gate that is
// already ready is failed too: the generation it guards is over.
func (g *Gate) Fail(err error) {
	if err == nil {
		err = workererr.ErrNotRunning
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.failed:
		return
	default:
	}
	g.err = err
	close(g.failed)
}

// Ready reports whether the gate opened and has not since failed.
func (g *Gate) Ready() bool {
	select {
	case <-g.failed:
		return false
	default:
	}
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}

// Waiters returns how many callers are currently blocked in Wait.
func (g *Gate) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters
}

func (g *Gate) settledLocked() bool {
	select {
	case <-g.ready:
		return true
	case <-g.failed:
		return true
	default:
		return false
	}
}
