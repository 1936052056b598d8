package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/lydakis/workerbus/internal/browser"
	"golang.org/x/term"
)

const shellHelp = `commands:
  open              open the browser session
  run <task>        start a task in the background
  wait              block until the running task finishes
  pause | resume    pause or resume the running task
  stop              stop the running task
  tabs              list open tabs
  read <index>      print a tab's text
  close             close the browser session
  close-all         close every browser window
  quit              stop the worker and exit`

// shell drives one browser worker from line commands, so control verbs can
// reach a task that is still running.
type shell struct {
	ctx     context.Context
	browser *browser.Browser
	creds   browser.Credentials
	session browser.SessionOptions

	outMu  sync.Mutex
	out    io.Writer
	prompt string

	// printed is closed once the run's outcome has been written.
	printed chan struct{}
}

func (s *shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (s *shell) serve(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for s.printf("%s", s.prompt); scanner.Scan(); s.printf("%s", s.prompt) {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		if verb == "quit" || verb == "exit" {
			s.finish()
			return nil
		}
		if err := s.exec(verb, strings.TrimSpace(rest)); err != nil {
			s.printf("error: %v\n", err)
		}
	}
	s.finish()
	return scanner.Err()
}

func (s *shell) exec(verb, arg string) error {
	ctx := s.ctx
	switch verb {
	case "help":
		s.printf("%s\n", shellHelp)
		return nil
	case "open":
		return s.browser.OpenBrowser(ctx, s.creds, s.session)
	case "run":
		return s.start(arg)
	case "wait":
		s.wait()
		return nil
	case "pause":
		return s.browser.Pause(ctx)
	case "resume":
		return s.browser.Resume(ctx)
	case "stop":
		return s.browser.Stop(ctx)
	case "close":
		return s.browser.CloseBrowser(ctx)
	case "close-all":
		return s.browser.CloseAllWindows(ctx)
	case "tabs":
		tabs, err := s.browser.GetTabContext(ctx, browser.TabContextOptions{})
		if err != nil {
			return err
		}
		s.outMu.Lock()
		printTabs(s.out, tabs)
		s.outMu.Unlock()
		return nil
	case "read":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("read: invalid tab index %q", arg)
		}
		text, err := s.browser.ReadTabText(ctx, index, 0)
		if err != nil {
			return err
		}
		s.printf("%s\n", text)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", verb)
	}
}

func (s *shell) start(task string) error {
	if task == "" {
		return errors.New("run: missing task")
	}
	if s.printed != nil {
		select {
		case <-s.printed:
		default:
			return errors.New("run: a task is already running")
		}
	}

	session := s.session
	run, err := s.browser.RunTask(s.ctx, s.creds, browser.TaskRequest{Task: task, Session: &session})
	if err != nil {
		return err
	}
	s.printed = make(chan struct{})
	go s.report(run, s.printed)
	return nil
}

func (s *shell) report(run *browser.Run, printed chan struct{}) {
	defer close(printed)
	for ev := range run.Events() {
		s.printf("  %s\n", ev.Summary)
	}
	result, err := run.Wait(s.ctx)
	switch {
	case err != nil:
		s.printf("task failed: %v\n", err)
	case result.Cancelled:
		s.printf("task cancelled\n")
	default:
		s.printf("output: %s\n", result.Output)
	}
}

func (s *shell) wait() {
	if s.printed != nil {
		<-s.printed
	}
}

// finish stops a task still running when input ends and waits for its
// outcome to be printed.
func (s *shell) finish() {
	if s.printed == nil {
		return
	}
	select {
	case <-s.printed:
	default:
		_ = s.browser.Stop(s.ctx)
		<-s.printed
	}
}
