package supervisor

import (
	"sync"
	"time"
)

// keepalive runs a sliding idle window over a worker process. The window only
// runs while no request is in flight; when it expires, onIdle is called with
// the generation the timer was armed for.
type keepalive struct {
	mu          sync.Mutex
	timer       *time.Timer
	timerID     uint64
	nextTimerID uint64
	inFlight    int
	generation  uint64
	timeout     time.Duration
	onIdle      func(generation uint64)
}

func newKeepalive(timeout time.Duration, onIdle func(generation uint64)) *keepalive {
	return &keepalive{timeout: timeout, onIdle: onIdle}
}

func (k *keepalive) enabled() bool {
	return k != nil && k.timeout > 0
}

// Begin marks a request in flight. Any pending idle timer is canceled so a
// long-running task is never evicted.
func (k *keepalive) Begin() {
	if !k.enabled() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopTimerLocked()
	k.inFlight++
}

// End marks a request finished. The idle window starts once the last
// in-flight request completes.
func (k *keepalive) End() {
	if !k.enabled() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.inFlight > 1 {
		k.inFlight--
		return
	}
	k.inFlight = 0
	k.startTimerLocked()
}

// Touch restarts the window for generation when nothing is in flight.
func (k *keepalive) Touch(generation uint64) {
	if !k.enabled() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.generation = generation
	if k.inFlight > 0 {
		return
	}
	k.startTimerLocked()
}

// Idle reports whether no request is in flight.
func (k *keepalive) Idle() bool {
	if !k.enabled() {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.inFlight == 0
}

func (k *keepalive) startTimerLocked() {
	k.stopTimerLocked()
	k.nextTimerID++
	timerID := k.nextTimerID
	k.timerID = timerID
	k.timer = time.AfterFunc(k.timeout, func() {
		k.expire(timerID)
	})
}

func (k *keepalive) stopTimerLocked() {
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	k.timerID = 0
}

func (k *keepalive) expire(timerID uint64) {
	k.mu.Lock()
	if k.timerID != timerID || k.inFlight > 0 {
		k.mu.Unlock()
		return
	}
	k.timer = nil
	k.timerID = 0
	generation := k.generation
	onIdle := k.onIdle
	k.mu.Unlock()

	// Called without the lock: onIdle stops the process, which takes the
	// supervisor's lifecycle lock, and that lock is held around Touch.
	if onIdle != nil {
		onIdle(generation)
	}
}

// Stop cancels the pending timer.
func (k *keepalive) Stop() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopTimerLocked()
}
