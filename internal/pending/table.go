// Package pending correlates worker replies with the callers waiting on them.
package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/workererr"
	"go.uber.org/zap"
)

// TracebackLimit bounds how much of a worker traceback is written to the log.
const TracebackLimit = 2000

// EventSink receives every message routed to a request, terminal reply
// included, in the order the worker wrote them.
type EventSink func(env envelope.Envelope)

// Slot is the result of one request. It is resolved exactly once.
type Slot struct {
	id   string
	done chan struct{}
	once sync.Once
	env  envelope.Envelope
	err  error
}

func newSlot(id string) *Slot {
	return &Slot{id: id, done: make(chan struct{})}
}

func (s *Slot) resolve(env envelope.Envelope, err error) bool {
	resolved := false
	s.once.Do(func() {
		s.env = env
		s.err = err
		resolved = true
		close(s.done)
	})
	return resolved
}

// ID returns the request id the slot belongs to.
func (s *Slot) ID() string { return s.id }

// Done is closed once the slot is resolved.
func (s *Slot) Done() <-chan struct{} { return s.done }

// Result returns the terminal envelope or failure. Only meaningful after Done
// is closed.
func (s *Slot) Result() (envelope.Envelope, error) {
	<-s.done
	return s.env, s.err
}

// Wait blocks until the slot resolves or ctx ends. Abandoning the wait does
// not withdraw the request: the entry stays registered until the worker
// answers or the process generation ends.
func (s *Slot) Wait(ctx context.Context) (envelope.Envelope, error) {
	select {
	case <-s.done:
		return s.env, s.err
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

type entry struct {
	slot *Slot
	sink EventSink
}

// Table maps in-flight request ids to their slots. All mutation happens under
// one lock; a slot is removed from the map before it is resolved, so terminal
// routing and FailAll can never both resolve it.
type Table struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*entry
	failed  error
}

// New creates an empty table.
func New(log *zap.SugaredLogger) *Table {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Table{
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Register adds a request. The id must not belong to an outstanding request.
// Once FailAll has run, Register fails with the same error: a table never
// outlives its process generation.
func (t *Table) Register(id string, sink EventSink) (*Slot, error) {
	if id == "" {
		return nil, fmt.Errorf("registering request: empty id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed != nil {
		return nil, t.failed
	}
	if _, exists := t.entries[id]; exists {
		return nil, fmt.Errorf("registering request: id %s already in flight", id)
	}
	slot := newSlot(id)
	t.entries[id] = &entry{slot: slot, sink: sink}
	return slot, nil
}

// Route delivers env to its request. It returns false when env carries no id
// or no request with that id is outstanding; such messages are the caller's
// to interpret (readiness) or ignore.
func (t *Table) Route(env envelope.Envelope) bool {
	if env.ID == "" {
		return false
	}

	t.mu.Lock()
	e, ok := t.entries[env.ID]
	t.mu.Unlock()
	if !ok {
		t.log.Debugw("uncorrelated message", "id", env.ID, "type", env.Type)
		return false
	}

	if e.sink != nil {
		e.sink(env)
	}

	switch {
	case envelope.IsError(env.Type):
		payload := env.PayloadValue()
		perr := &workererr.ProtocolError{
			Type:      env.Type,
			Message:   envelope.ErrorMessage(payload),
			Traceback: envelope.Traceback(payload),
		}
		if perr.Traceback != "" {
			t.log.Debugw("worker traceback", "id", env.ID, "type", env.Type, "traceback", Clip(perr.Traceback, TracebackLimit))
		}
		t.finish(env.ID, e, envelope.Envelope{}, perr)
	case envelope.IsSuccess(env.Type):
		t.finish(env.ID, e, env, nil)
	}
	return true
}

// finish removes the entry if it is still the registered one, then resolves
// its slot. A second terminal message for the same id finds no entry.
func (t *Table) finish(id string, e *entry, env envelope.Envelope, err error) {
	t.mu.Lock()
	current, ok := t.entries[id]
	if !ok || current != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	e.slot.resolve(env, err)
}

// FailAll resolves every outstanding slot with err and refuses further
// registrations. Calling it again is harmless.
func (t *Table) FailAll(err error) {
	if err == nil {
		err = workererr.ErrNotRunning
	}

	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	if t.failed == nil {
		t.failed = err
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.slot.resolve(envelope.Envelope{}, err)
	}
	if len(entries) > 0 {
		t.log.Debugw("failed outstanding requests", "count", len(entries), "error", err)
	}
}

// Remove drops a request without resolving it, e.g. when its command could
// not be written. It reports whether the id was outstanding.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	delete(t.entries, id)
	return ok
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clip shortens s to at most limit runes, marking the cut with an ellipsis.
func Clip(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
