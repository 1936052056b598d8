// Package browser drives the browser-automation worker: it keeps one worker
// process per set of credentials, keeps its browser session in line with the
// requested profile, and turns the worker's progress messages into events.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/supervisor"
	"github.com/lydakis/workerbus/internal/workererr"
	"go.uber.org/zap"
)

// DefaultAPIKeyEnv carries the hosted model's API key into the worker.
const DefaultAPIKeyEnv = "BROWSER_USE_API_KEY"

// Options configure a Browser.
type Options struct {
	// Launch is the base process configuration: interpreter, script and
	// extra environment. Credentials are layered on per call.
	Launch    supervisor.LaunchConfig
	APIKeyEnv string
	MaxEvents int
	Logger    *zap.SugaredLogger

	// Credentials are used by operations that do not name their own until
	// a call supplies different ones.
	Credentials Credentials
}

// Credentials affect the worker process itself; changing them restarts it.
type Credentials struct {
	APIKey string
}

// Browser is the typed API over one browser worker.
type Browser struct {
	sup  *supervisor.Supervisor
	opts Options
	log  *zap.SugaredLogger

	// mu serializes ensure so session bookkeeping matches what was sent.
	mu         sync.Mutex
	creds      Credentials
	session    *SessionOptions
	sessionGen uint64
}

// New creates a facade over sup. The supervisor is not started until the
// first operation.
func New(sup *supervisor.Supervisor, opts Options) *Browser {
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = DefaultAPIKeyEnv
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Browser{
		sup:   sup,
		opts:  opts,
		log:   opts.Logger.Named("browser"),
		creds: opts.Credentials,
	}
}

func (b *Browser) launchConfig(creds Credentials) supervisor.LaunchConfig {
	cfg := b.opts.Launch.Clone()
	if cfg.Env == nil {
		cfg.Env = make(map[string]string, 1)
	}
	// An empty key removes the variable, so the worker sees it as absent.
	cfg.Env[b.opts.APIKeyEnv] = strings.TrimSpace(creds.APIKey)
	return cfg
}

// ensure starts or restarts the worker for creds and, when session is set,
// opens that session. A process restart discards the old session, so only
// open_browser is sent; a profile change on a live process closes the old
// session first.
func (b *Browser) ensure(ctx context.Context, creds Credentials, session *SessionOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.sup.StartIfNeeded(ctx, b.launchConfig(creds)); err != nil {
		return err
	}
	b.creds = creds

	gen := b.sup.Generation()
	if b.session != nil && b.sessionGen != gen {
		b.log.Debugw("worker restarted, dropping session bookkeeping", "generation", gen)
		b.session = nil
	}
	if session == nil {
		return nil
	}

	if b.session != nil {
		if b.session.sameProfile(*session) {
			return nil
		}
		b.log.Infow("browser profile changed, reopening session",
			"user_data_dir", session.UserDataDir, "profile_directory", session.ProfileDirectory)
		if _, err := b.sup.Request(ctx, "close_browser", nil, nil); err != nil {
			return fmt.Errorf("closing browser session: %w", err)
		}
		b.session = nil
	}

	payload := session.payload()
	if _, err := b.sup.Request(ctx, "open_browser", &payload, nil); err != nil {
		return fmt.Errorf("opening browser session: %w", err)
	}
	opened := session.clone()
	b.session = &opened
	b.sessionGen = gen
	return nil
}

// ensureCurrent starts the worker with the last credentials used, or the
// configured ones, for operations that do not name their own.
func (b *Browser) ensureCurrent(ctx context.Context) error {
	b.mu.Lock()
	creds := b.creds
	b.mu.Unlock()
	return b.ensure(ctx, creds, nil)
}

// OpenBrowser opens (or reopens on profile change) the browser session.
func (b *Browser) OpenBrowser(ctx context.Context, creds Credentials, session SessionOptions) error {
	return b.ensure(ctx, creds, &session)
}

// RunTask starts a task and returns immediately. Progress streams on
// Run.Events; the result comes from Run.Wait.
func (b *Browser) RunTask(ctx context.Context, creds Credentials, req TaskRequest) (*Run, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("run_task: empty task")
	}
	if err := b.ensure(ctx, creds, req.Session); err != nil {
		return nil, err
	}

	run := newRun(b.opts.MaxEvents)
	payload := req.payload()
	slot, err := b.sup.Send(ctx, "run_task", &payload, run.deliver)
	if err != nil {
		run.closeEvents()
		return nil, err
	}
	run.id = slot.ID()
	go run.resolve(slot)
	return run, nil
}

// RunTaskFunc runs a task to completion, calling fn for each progress event.
func (b *Browser) RunTaskFunc(ctx context.Context, creds Credentials, req TaskRequest, fn func(ProgressEvent)) (TaskResult, error) {
	run, err := b.RunTask(ctx, creds, req)
	if err != nil {
		return TaskResult{}, err
	}
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return run.Wait(ctx)
			}
			if fn != nil {
				fn(ev)
			}
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}
}

// Pause suspends the running task after its current step.
func (b *Browser) Pause(ctx context.Context) error {
	return b.control(ctx, "pause")
}

// Resume continues a paused task.
func (b *Browser) Resume(ctx context.Context) error {
	return b.control(ctx, "resume")
}

// Stop ends the running task; its Run resolves as cancelled.
func (b *Browser) Stop(ctx context.Context) error {
	return b.control(ctx, "stop")
}

// CloseBrowser closes the browser session but keeps the worker running.
func (b *Browser) CloseBrowser(ctx context.Context) error {
	if err := b.control(ctx, "close_browser"); err != nil {
		return err
	}
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	return nil
}

// CloseAllWindows closes every window of the session's browser.
func (b *Browser) CloseAllWindows(ctx context.Context) error {
	return b.control(ctx, "close_all_windows")
}

// control sends a verb that only makes sense to a running worker, so it never
// starts one.
func (b *Browser) control(ctx context.Context, verb string) error {
	_, err := b.sup.Request(ctx, verb, nil, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	return nil
}

// Tab is one open browser tab.
type Tab struct {
	Index    int
	Title    string
	URL      string
	TargetID string
}

// TabContext describes the open tabs and, optionally, the active tab's text.
type TabContext struct {
	Tabs []Tab
	// ActiveIndex is -1 when the worker could not tell.
	ActiveIndex       int
	ActiveTextExcerpt string
}

// TabContextOptions tune GetTabContext. MaxChars <= 0 uses the worker's
// default excerpt length.
type TabContextOptions struct {
	ExcludeActiveText bool
	MaxChars          int
}

// GetTabContext lists open tabs, starting the worker if needed.
func (b *Browser) GetTabContext(ctx context.Context, opts TabContextOptions) (TabContext, error) {
	if err := b.ensureCurrent(ctx); err != nil {
		return TabContext{}, err
	}

	fields := map[string]envelope.Value{
		"include_active_text": envelope.Bool(!opts.ExcludeActiveText),
	}
	if opts.MaxChars > 0 {
		fields["max_chars"] = envelope.Int(int64(opts.MaxChars))
	}
	payload := envelope.Object(fields)
	reply, err := b.sup.Request(ctx, "get_tab_context", &payload, nil)
	if err != nil {
		return TabContext{}, err
	}
	return parseTabContext(reply.PayloadValue())
}

func parseTabContext(payload envelope.Value) (TabContext, error) {
	items, ok := payload.Get("tabs").ArrayValue()
	if !ok {
		return TabContext{}, &workererr.InvalidResponseError{Op: "get_tab_context", Reason: "tabs is not an array"}
	}

	out := TabContext{Tabs: make([]Tab, 0, len(items)), ActiveIndex: -1}
	for i, item := range items {
		tab := Tab{
			Index:    i,
			Title:    str(item, "title"),
			URL:      str(item, "url"),
			TargetID: str(item, "target_id"),
		}
		if idx, ok := item.Get("index").IntValue(); ok {
			tab.Index = int(idx)
		}
		out.Tabs = append(out.Tabs, tab)
	}
	if idx, ok := payload.Get("active_index").IntValue(); ok {
		out.ActiveIndex = int(idx)
	}
	out.ActiveTextExcerpt = str(payload, "active_text_excerpt")
	return out, nil
}

// ReadTabText returns the visible text of the tab at index.
func (b *Browser) ReadTabText(ctx context.Context, index, maxChars int) (string, error) {
	if err := b.ensureCurrent(ctx); err != nil {
		return "", err
	}

	fields := map[string]envelope.Value{"index": envelope.Int(int64(index))}
	if maxChars > 0 {
		fields["max_chars"] = envelope.Int(int64(maxChars))
	}
	payload := envelope.Object(fields)
	reply, err := b.sup.Request(ctx, "read_tab_text", &payload, nil)
	if err != nil {
		return "", err
	}
	text, ok := reply.PayloadValue().Get("text").StringValue()
	if !ok {
		return "", &workererr.InvalidResponseError{Op: "read_tab_text", Reason: "missing text"}
	}
	return text, nil
}

// Shutdown stops the worker process.
func (b *Browser) Shutdown() {
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.sup.Stop()
}
