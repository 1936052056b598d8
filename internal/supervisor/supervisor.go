// Package supervisor owns a worker child process: it launches it, speaks the
// line-delimited envelope protocol over its standard streams, and fails all
// outstanding work when the process goes away.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/framer"
	"github.com/lydakis/workerbus/internal/pending"
	"github.com/lydakis/workerbus/internal/readiness"
	"github.com/lydakis/workerbus/internal/workererr"
	"go.uber.org/zap"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultStopGrace    = 3 * time.Second
	DefaultStderrClip   = 1200

	// drainTimeout bounds how long output is still read after the process
	// exits. Grandchildren that inherited the pipes can keep them open.
	drainTimeout = 500 * time.Millisecond
	readChunk    = 32 * 1024
)

var (
	execCommandFn = exec.Command
	newRequestID  = uuid.NewString
)

// State is the lifecycle position of the current process generation.
type State int32

const (
	NotStarted State = iota
	Starting
	AwaitingReady
	Ready
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case AwaitingReady:
		return "awaiting-ready"
	case Ready:
		return "ready"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tunes a Supervisor. Zero values select the defaults.
type Options struct {
	// Role names the worker in logs and errors ("browser", "cad").
	Role   string
	Logger *zap.SugaredLogger

	ReadyTimeout time.Duration
	// IdleTimeout stops the process once nothing has been in flight for this
	// long. Zero keeps it running until Stop.
	IdleTimeout time.Duration
	StopGrace   time.Duration
	// MaxLineBytes bounds a single unterminated stdout line.
	MaxLineBytes int
	StderrClip   int
}

// generation is one launched child process and everything scoped to it.
type generation struct {
	id  uint64
	cfg LaunchConfig
	cmd *exec.Cmd
	pid int

	stdin   io.WriteCloser
	writeMu sync.Mutex

	table *pending.Table
	gate  *readiness.Gate

	readers  sync.WaitGroup
	stopping atomic.Bool
	exited   chan struct{}
	exitErr  error
}

func (g *generation) write(line []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_, err := g.stdin.Write(line)
	return err
}

// Supervisor runs at most one child process at a time for a worker role.
type Supervisor struct {
	opts      Options
	log       *zap.SugaredLogger
	keepalive *keepalive

	// lifecycle serializes starting and stopping.
	lifecycle sync.Mutex

	mu      sync.Mutex
	gen     *generation
	state   State
	counter uint64
}

// New creates an idle supervisor. No process is started until StartIfNeeded.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Role == "" {
		opts.Role = "worker"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.MaxLineBytes == 0 {
		opts.MaxLineBytes = framer.DefaultMaxBuffer
	}
	if opts.StderrClip <= 0 {
		opts.StderrClip = DefaultStderrClip
	}

	s := &Supervisor{
		opts: opts,
		log:  opts.Logger.Named("supervisor").With("role", opts.Role),
	}
	s.keepalive = newKeepalive(opts.IdleTimeout, s.idleExpired)
	return s
}

// Role returns the worker role this supervisor runs.
func (s *Supervisor) Role() string { return s.opts.Role }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns a counter that increases on every spawn. Facades use it
// to notice that session state they set up belonged to an earlier process.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// PID returns the live child's process id, or 0.
func (s *Supervisor) PID() int {
	if gen := s.current(); gen != nil {
		return gen.pid
	}
	return 0
}

func (s *Supervisor) current() *generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Supervisor) setState(gen *generation, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == nil || s.gen == gen {
		s.state = state
	}
}

// StartIfNeeded makes sure a process launched with cfg is running. A live
// process with an equal configuration is reused; one with a different
// configuration is stopped first. It does not wait for readiness.
func (s *Supervisor) StartIfNeeded(ctx context.Context, cfg LaunchConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if gen := s.current(); gen != nil {
		if gen.cfg.Equal(cfg) {
			s.keepalive.Touch(gen.id)
			return nil
		}
		s.log.Infow("launch configuration changed, restarting worker", "pid", gen.pid, "generation", gen.id)
		s.stopLocked(gen)
	}
	return s.spawnLocked(cfg.Clone())
}

func (s *Supervisor) spawnLocked(cfg LaunchConfig) error {
	if strings.TrimSpace(cfg.Script) == "" {
		return &workererr.ResourceMissingError{Resource: s.opts.Role + " worker script"}
	}
	if info, err := os.Stat(cfg.Script); err != nil || info.IsDir() {
		return &workererr.ResourceMissingError{Resource: s.opts.Role + " worker script", Path: cfg.Script}
	}

	interpreter := cfg.Interpreter
	if interpreter == "" {
		resolved, err := ResolveInterpreter(ResolveOptions{Role: s.opts.Role, WorkDir: cfg.Dir})
		if err != nil {
			return err
		}
		interpreter = resolved
	}

	s.setState(nil, Starting)

	cmd := execCommandFn(interpreter, cfg.Argv()...)
	cmd.Env = cfg.Environ()
	cmd.Dir = cfg.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(nil, NotStarted)
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		s.setState(nil, NotStarted)
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		s.setState(nil, NotStarted)
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		s.setState(nil, NotStarted)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			return &workererr.ResourceMissingError{Resource: "interpreter", Path: interpreter}
		}
		return fmt.Errorf("starting %s worker: %w", s.opts.Role, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	log := s.log.Named("pending")
	s.mu.Lock()
	s.counter++
	gen := &generation{
		id:     s.counter,
		cfg:    cfg,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdin,
		table:  pending.New(log),
		gate:   readiness.New(s.opts.Role),
		exited: make(chan struct{}),
	}
	s.gen = gen
	s.state = AwaitingReady
	s.mu.Unlock()

	s.log.Infow("worker started", "pid", gen.pid, "generation", gen.id, "interpreter", interpreter, "script", cfg.Script)

	gen.readers.Add(2)
	go s.readStdout(gen, outR)
	go s.readStderr(gen, errR)
	go s.wait(gen, outR, errR)

	s.keepalive.Touch(gen.id)
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) wait(gen *generation, outR, errR *os.File) {
	err := gen.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		gen.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		closeAll(outR, errR)
		<-drained
	}
	closeAll(outR, errR)

	gen.exitErr = err
	s.finish(gen)
}

// finish ends a generation: the cached configuration is forgotten, and every
// waiter, whether on readiness or on a reply, fails with ErrNotRunning.
func (s *Supervisor) finish(gen *generation) {
	s.mu.Lock()
	if s.gen == gen {
		s.gen = nil
		s.state = Terminated
	}
	s.mu.Unlock()

	gen.table.FailAll(workererr.ErrNotRunning)
	gen.gate.Fail(workererr.ErrNotRunning)
	close(gen.exited)

	if gen.stopping.Load() {
		s.log.Infow("worker stopped", "pid", gen.pid, "generation", gen.id)
		return
	}
	s.log.Warnw("worker exited", "pid", gen.pid, "generation", gen.id, "error", gen.exitErr)
}

// Stop shuts the current process down: stdin is closed, the process group
// gets SIGTERM, then SIGKILL after the grace period. Stopping an idle
// supervisor does nothing.
func (s *Supervisor) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	gen := s.current()
	if gen == nil {
		return
	}
	s.stopLocked(gen)
}

func (s *Supervisor) stopLocked(gen *generation) {
	gen.stopping.Store(true)
	s.keepalive.Stop()

	_ = gen.stdin.Close()
	if err := terminateGroup(gen.cmd.Process); err != nil {
		s.log.Debugw("signalling worker", "pid", gen.pid, "error", err)
	}

	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-gen.exited:
	case <-timer.C:
		s.log.Warnw("worker ignored SIGTERM, killing", "pid", gen.pid, "grace", s.opts.StopGrace)
		_ = killGroup(gen.cmd.Process)
		<-gen.exited
	}

	s.mu.Lock()
	if s.gen == nil {
		s.state = NotStarted
	}
	s.mu.Unlock()
}

func (s *Supervisor) idleExpired(id uint64) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	gen := s.current()
	if gen == nil || gen.id != id || !s.keepalive.Idle() {
		return
	}
	s.log.Infow("stopping idle worker", "pid", gen.pid, "generation", gen.id, "idle_timeout", s.opts.IdleTimeout)
	s.stopLocked(gen)
}

// Send waits for readiness, then writes a command with a fresh id and
// returns the slot its reply will resolve. sink sees every message for the
// request, the terminal one included.
func (s *Supervisor) Send(ctx context.Context, typ string, payload *envelope.Value, sink pending.EventSink) (*pending.Slot, error) {
	gen := s.current()
	if gen == nil {
		return nil, workererr.ErrNotRunning
	}

	s.keepalive.Begin()
	slot, err := s.send(ctx, gen, typ, payload, sink)
	if err != nil {
		s.keepalive.End()
		return nil, err
	}
	go func() {
		<-slot.Done()
		s.keepalive.End()
	}()
	return slot, nil
}

func (s *Supervisor) send(ctx context.Context, gen *generation, typ string, payload *envelope.Value, sink pending.EventSink) (*pending.Slot, error) {
	if err := gen.gate.Wait(ctx, s.opts.ReadyTimeout); err != nil {
		return nil, err
	}

	id := newRequestID()
	slot, err := gen.table.Register(id, sink)
	if err != nil {
		return nil, err
	}
	line, err := envelope.Encode(envelope.New(id, typ, payload))
	if err != nil {
		gen.table.Remove(id)
		return nil, fmt.Errorf("encoding %s: %w", typ, err)
	}
	if err := gen.write(line); err != nil {
		gen.table.Remove(id)
		return nil, fmt.Errorf("writing %s: %w (%v)", typ, workererr.ErrNotRunning, err)
	}
	return slot, nil
}

// Request sends a command and waits for its terminal reply. Cancelling ctx
// abandons the wait only; the request stays outstanding until the worker
// answers or exits.
func (s *Supervisor) Request(ctx context.Context, typ string, payload *envelope.Value, sink pending.EventSink) (envelope.Envelope, error) {
	slot, err := s.Send(ctx, typ, payload, sink)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return slot.Wait(ctx)
}

// Outstanding returns the number of requests awaiting a reply.
func (s *Supervisor) Outstanding() int {
	if gen := s.current(); gen != nil {
		return gen.table.Len()
	}
	return 0
}

func (s *Supervisor) readStdout(gen *generation, r io.Reader) {
	defer gen.readers.Done()

	fr := framer.New(s.opts.MaxLineBytes)
	buf := make([]byte, readChunk)
	dropped := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range fr.Push(buf[:n]) {
				s.handleLine(gen, line)
			}
			if d := fr.Dropped(); d != dropped {
				s.log.Debugw("discarded oversized output line", "pid", gen.pid, "dropped", d)
				dropped = d
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debugw("reading worker output", "pid", gen.pid, "error", err)
			}
			return
		}
	}
}

func (s *Supervisor) handleLine(gen *generation, line string) {
	env, err := envelope.Decode(line)
	if err != nil {
		s.log.Debugw("ignoring undecodable line", "pid", gen.pid, "line", pending.Clip(line, 200), "error", err)
		return
	}

	if envelope.IsReady(env) {
		if gen.gate.Ready() {
			return
		}
		// State first, so callers released by the gate observe Ready.
		s.setState(gen, Ready)
		s.keepalive.Touch(gen.id)
		if gen.gate.MarkReady() {
			s.log.Infow("worker ready", "pid", gen.pid, "generation", gen.id)
		}
		return
	}

	if !gen.table.Route(env) && env.ID == "" {
		s.log.Debugw("ignoring uncorrelated message", "pid", gen.pid, "type", env.Type)
	}
}

func (s *Supervisor) readStderr(gen *generation, r io.Reader) {
	defer gen.readers.Done()

	log := s.log.Named("stderr")
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if text := strings.TrimRight(line, "\r\n"); strings.TrimSpace(text) != "" {
			log.Debugw(pending.Clip(text, s.opts.StderrClip), "pid", gen.pid)
		}
		if err != nil {
			return
		}
	}
}
