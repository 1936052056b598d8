package supervisor

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepaliveDisabledWithZeroTimeout(t *testing.T) {
	var fired atomic.Int32
	ka := newKeepalive(0, func(uint64) { fired.Add(1) })
	ka.Touch(1)
	ka.Begin()
	ka.End()
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("disabled keepalive fired")
	}
	if !ka.Idle() {
		t.Fatal("disabled keepalive should always report idle")
	}
}

func TestKeepaliveDefersTimerWhileInFlight(t *testing.T) {
	var fired atomic.Int32
	ka := newKeepalive(20*time.Millisecond, func(uint64) { fired.Add(1) })
	defer ka.Stop()

	ka.Touch(1)
	ka.Begin()
	time.Sleep(40 * time.Millisecond)

	ka.mu.Lock()
	hasTimer := ka.timer != nil
	inFlight := ka.inFlight
	ka.mu.Unlock()
	if hasTimer {
		t.Fatal("timer started while request is still in flight")
	}
	if inFlight != 1 {
		t.Fatalf("inFlight = %d, want 1", inFlight)
	}
	if fired.Load() != 0 {
		t.Fatal("idle callback ran during an in-flight request")
	}

	ka.End()
	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("idle callback ran %d times, want 1", fired.Load())
	}
}

func TestKeepaliveWaitsForAllConcurrentRequests(t *testing.T) {
	ka := newKeepalive(time.Hour, func(uint64) {})
	defer ka.Stop()

	ka.Begin()
	ka.Begin()
	ka.End()

	ka.mu.Lock()
	hasTimer := ka.timer != nil
	ka.mu.Unlock()
	if hasTimer {
		t.Fatal("timer started before the last request completed")
	}

	ka.End()
	ka.mu.Lock()
	hasTimer = ka.timer != nil
	ka.mu.Unlock()
	if !hasTimer {
		t.Fatal("timer missing after the last request completed")
	}
}

func TestKeepaliveReportsArmedGeneration(t *testing.T) {
	got := make(chan uint64, 1)
	ka := newKeepalive(10*time.Millisecond, func(gen uint64) { got <- gen })
	defer ka.Stop()

	ka.Touch(7)
	select {
	case gen := <-got:
		if gen != 7 {
			t.Fatalf("generation = %d, want 7", gen)
		}
	case <-time.After(time.Second):
		t.Fatal("idle callback did not run")
	}
}

func TestKeepaliveStaleTimerIgnored(t *testing.T) {
	var fired atomic.Int32
	ka := newKeepalive(time.Hour, func(uint64) { fired.Add(1) })
	defer ka.Stop()

	ka.Touch(1)
	ka.mu.Lock()
	stale := ka.timerID
	ka.mu.Unlock()
	ka.Touch(1)

	ka.expire(stale)
	if fired.Load() != 0 {
		t.Fatal("stale timer fired the idle callback")
	}
}
