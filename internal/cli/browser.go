package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/lydakis/workerbus/internal/browser"
	"github.com/lydakis/workerbus/internal/paths"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/urfave/cli/v2"
)

// interrupts delivers SIGINT while a task runs. Tests replace it.
var interrupts = func() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "user-data-dir", Usage: "Chrome user data directory", Value: paths.BrowserProfileDir()},
		&cli.StringFlag{Name: "profile-directory", Usage: "Chrome profile inside the user data directory"},
		&cli.StringFlag{Name: "chrome-path", Usage: "Chrome executable"},
		&cli.StringSliceFlag{Name: "chrome-arg", Usage: "extra Chrome argument (repeatable)"},
		&cli.BoolFlag{Name: "headless", Usage: "run the browser without a window"},
		&cli.StringFlag{Name: "window-size", Usage: "viewport as WIDTHxHEIGHT"},
	}
}

func sessionFromFlags(c *cli.Context) (browser.SessionOptions, error) {
	session := browser.SessionOptions{
		UserDataDir:          c.String("user-data-dir"),
		ProfileDirectory:     c.String("profile-directory"),
		ChromeExecutablePath: c.String("chrome-path"),
		ChromeArgs:           c.StringSlice("chrome-arg"),
		Headless:             c.Bool("headless"),
	}
	if raw := c.String("window-size"); raw != "" {
		ws, err := parseWindowSize(raw)
		if err != nil {
			return browser.SessionOptions{}, usageError{err}
		}
		session.WindowSize = ws
	}
	return session, nil
}

func parseWindowSize(raw string) (*browser.WindowSize, error) {
	w, h, ok := strings.Cut(strings.ToLower(raw), "x")
	if !ok {
		return nil, fmt.Errorf("window size %q: want WIDTHxHEIGHT", raw)
	}
	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("window size %q: want positive WIDTHxHEIGHT", raw)
	}
	return &browser.WindowSize{Width: width, Height: height}, nil
}

func browserCommand() *cli.Command {
	runFlags := append(sessionFlags(),
		&cli.IntFlag{Name: "max-steps", Usage: "stop the agent after this many steps"},
		&cli.BoolFlag{Name: "use-browser-use-llm", Value: true, Usage: "use the hosted Browser Use model (false selects the OpenAI-compatible model)"},
		&cli.StringFlag{Name: "model", Usage: "hosted Browser Use model name"},
		&cli.StringFlag{Name: "openai-api-key", Usage: "API key for an OpenAI-compatible model", EnvVars: []string{"OPENAI_API_KEY"}},
		&cli.StringFlag{Name: "openai-base-url", Usage: "base URL for an OpenAI-compatible model"},
		&cli.StringFlag{Name: "openai-model", Usage: "OpenAI-compatible model name"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not print progress"},
	)

	return &cli.Command{
		Name:  "browser",
		Usage: "run tasks in the browser-automation worker",
		Subcommands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run one agent task and print its output",
				ArgsUsage: "<task>",
				Flags:     runFlags,
				Action:    browserRun,
			},
			{
				Name:   "tabs",
				Usage:  "list open tabs",
				Flags:  []cli.Flag{&cli.IntFlag{Name: "max-chars", Usage: "length of the active tab excerpt"}},
				Action: browserTabs,
			},
			{
				Name:      "read",
				Usage:     "print the text of a tab",
				ArgsUsage: "<index>",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "max-chars", Usage: "truncate the text"}},
				Action:    browserRead,
			},
			{
				Name:   "shell",
				Usage:  "control one worker interactively from stdin (run, pause, resume, stop, ...)",
				Flags:  sessionFlags(),
				Action: browserShell,
			},
		},
	}
}

func withBrowser(c *cli.Context, fn func(b *browser.Browser, creds browser.Credentials) error) error {
	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.log.Sync() //nolint:errcheck

	b, creds, err := rt.browser()
	if err != nil {
		return err
	}
	defer b.Shutdown()
	return fn(b, creds)
}

func taskFromFlags(c *cli.Context, task string) (browser.TaskRequest, error) {
	session, err := sessionFromFlags(c)
	if err != nil {
		return browser.TaskRequest{}, err
	}
	return browser.TaskRequest{
		Task:            task,
		MaxSteps:        c.Int("max-steps"),
		UseOpenAI:       !c.Bool("use-browser-use-llm"),
		BrowserUseModel: c.String("model"),
		OpenAIAPIKey:    c.String("openai-api-key"),
		OpenAIBaseURL:   c.String("openai-base-url"),
		OpenAIModel:     c.String("openai-model"),
		Session:         &session,
	}, nil
}

func browserRun(c *cli.Context) error {
	task := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if task == "" {
		return usageErrorf("browser run: missing task")
	}
	req, err := taskFromFlags(c, task)
	if err != nil {
		return err
	}

	return withBrowser(c, func(b *browser.Browser, creds browser.Credentials) error {
		ctx := c.Context
		run, err := b.RunTask(ctx, creds, req)
		if err != nil {
			return err
		}

		sigs, stop := interrupts()
		defer stop()

		progress := rootStderr
		if c.Bool("quiet") {
			progress = io.Discard
		}
		events := run.Events()
		for events != nil {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				printProgress(progress, ev)
			case <-sigs:
				fmt.Fprintln(rootStderr, "stopping task...")
				if err := b.Stop(ctx); err != nil {
					return err
				}
			}
		}

		result, err := run.Wait(ctx)
		if err != nil {
			return err
		}
		if dropped := run.Dropped(); dropped > 0 {
			fmt.Fprintf(progress, "(%d progress events dropped)\n", dropped)
		}
		return printTaskResult(rootStdout, result)
	})
}

func printProgress(out io.Writer, ev browser.ProgressEvent) {
	fmt.Fprintf(out, "  %s\n", ev.Summary)
}

func printTaskResult(out io.Writer, result browser.TaskResult) error {
	if result.Cancelled {
		return &workererr.ToolError{Tool: "run_task", Message: "task cancelled"}
	}
	fmt.Fprintln(out, result.Output)
	return nil
}

func browserTabs(c *cli.Context) error {
	return withBrowser(c, func(b *browser.Browser, _ browser.Credentials) error {
		tabs, err := b.GetTabContext(c.Context, browser.TabContextOptions{MaxChars: c.Int("max-chars")})
		if err != nil {
			return err
		}
		printTabs(rootStdout, tabs)
		return nil
	})
}

func printTabs(out io.Writer, tabs browser.TabContext) {
	for _, tab := range tabs.Tabs {
		marker := " "
		if tab.Index == tabs.ActiveIndex {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d\t%s\t%s\n", marker, tab.Index, tab.Title, tab.URL)
	}
	if tabs.ActiveTextExcerpt != "" {
		fmt.Fprintf(out, "\n%s\n", tabs.ActiveTextExcerpt)
	}
}

func browserRead(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageErrorf("browser read: want exactly one tab index")
	}
	index, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return usageErrorf("browser read: invalid tab index %q", c.Args().First())
	}

	return withBrowser(c, func(b *browser.Browser, _ browser.Credentials) error {
		text, err := b.ReadTabText(c.Context, index, c.Int("max-chars"))
		if err != nil {
			return err
		}
		fmt.Fprintln(rootStdout, text)
		return nil
	})
}

func browserShell(c *cli.Context) error {
	session, err := sessionFromFlags(c)
	if err != nil {
		return err
	}
	return withBrowser(c, func(b *browser.Browser, creds browser.Credentials) error {
		sh := &shell{
			ctx:     c.Context,
			browser: b,
			creds:   creds,
			session: session,
			out:     rootStdout,
		}
		if isTerminal(rootStdin) {
			sh.prompt = "workerbus> "
		}
		return sh.serve(rootStdin)
	})
}

