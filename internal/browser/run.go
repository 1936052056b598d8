package browser

import (
	"context"
	"sync"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/pending"
	"github.com/lydakis/workerbus/internal/workererr"
)

// DefaultMaxEvents bounds the progress events buffered for one run.
const DefaultMaxEvents = 256

// TaskRequest is one automation task for the browser agent.
type TaskRequest struct {
	Task     string
	MaxSteps int

	// UseOpenAI switches the agent from the hosted Browser Use model, the
	// worker's default, to the OpenAI-compatible settings below.
	UseOpenAI       bool
	BrowserUseModel string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string

	// Session, when set, is opened (or reopened on drift) before the task.
	Session *SessionOptions
}

func (r TaskRequest) payload() envelope.Value {
	fields := map[string]envelope.Value{
		"task": envelope.String(r.Task),
	}
	if r.UseOpenAI {
		fields["use_browser_use_llm"] = envelope.Bool(false)
	}
	if r.MaxSteps > 0 {
		fields["max_steps"] = envelope.Int(int64(r.MaxSteps))
	}
	putString(fields, "browser_use_model", r.BrowserUseModel)
	putString(fields, "openai_api_key", r.OpenAIAPIKey)
	putString(fields, "openai_base_url", r.OpenAIBaseURL)
	putString(fields, "openai_model", r.OpenAIModel)
	if r.Session != nil {
		fields["headless"] = envelope.Bool(r.Session.Headless)
		if ws := r.Session.WindowSize.payload(); !ws.IsNull() {
			fields["window_size"] = ws
		}
	}
	return envelope.Object(fields)
}

// TaskResult is how a task ended. A stopped task reports Cancelled with no
// output.
type TaskResult struct {
	Output    string
	Cancelled bool
}

// Run is a task in progress. Events delivers progress in the order the worker
// emitted it and is closed once the task resolves.
type Run struct {
	id     string
	events chan ProgressEvent

	mu      sync.Mutex
	closed  bool
	dropped int

	done   chan struct{}
	result TaskResult
	err    error
}

func newRun(buffer int) *Run {
	if buffer <= 0 {
		buffer = DefaultMaxEvents
	}
	return &Run{
		events: make(chan ProgressEvent, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the request id the task runs under.
func (r *Run) ID() string { return r.id }

// Events returns the progress stream.
func (r *Run) Events() <-chan ProgressEvent { return r.events }

// Dropped returns how many events were discarded because the consumer fell
// more than the buffer size behind.
func (r *Run) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Done is closed when the task has resolved.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the task resolves or ctx ends. Giving up on the wait
// leaves the task running; use Browser.Stop to end it.
func (r *Run) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// deliver is the pending-table sink for the run_task request.
func (r *Run) deliver(env envelope.Envelope) {
	if !envelope.IsEvent(env.Type) {
		return
	}
	ev := parseEvent(env.PayloadValue())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped++
	}
}

func (r *Run) resolve(slot *pending.Slot) {
	env, err := slot.Result()
	if err == nil {
		r.result, err = taskResult(env)
	}
	r.err = err
	r.closeEvents()
	close(r.done)
}

func (r *Run) closeEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

func taskResult(env envelope.Envelope) (TaskResult, error) {
	if envelope.IsCancelled(env.Type) {
		return TaskResult{Cancelled: true}, nil
	}
	output, ok := env.PayloadValue().Get("output").StringValue()
	if !ok {
		return TaskResult{}, &workererr.InvalidResponseError{Op: "run_task", Reason: "missing output"}
	}
	return TaskResult{Output: output}, nil
}
