// Package cli implements the workerbus command line.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/urfave/cli/v2"
)

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	app := newApp()
	err := app.RunContext(context.Background(), append([]string{app.Name}, args...))
	return reportError(err)
}

func newApp() *cli.App {
	app := &cli.App{
		Name:      "workerbus",
		Usage:     "drive the browser-automation and CAD workers",
		Version:   buildVersion,
		Reader:    rootStdin,
		Writer:    rootStdout,
		ErrWriter: rootStderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the configuration file",
				Value: defaultConfigPath(),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "python",
				Usage: "interpreter for the worker scripts, overriding the configuration",
			},
		},
		Commands: []*cli.Command{
			configCommand(),
			browserCommand(),
			cadCommand(),
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return usageError{err}
		},
		// Exit codes are mapped by Run; urfave must not call os.Exit.
		ExitErrHandler: func(*cli.Context, error) {},
	}
	markUsageErrors(app.Commands)
	return app
}

func markUsageErrors(cmds []*cli.Command) {
	for _, cmd := range cmds {
		cmd.OnUsageError = func(_ *cli.Context, err error, _ bool) error {
			return usageError{err}
		}
		markUsageErrors(cmd.Subcommands)
	}
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// exitStatus carries an exit code for output that has already been written.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func reportError(err error) int {
	if err == nil {
		return workererr.ExitOK
	}

	var status exitStatus
	if errors.As(err, &status) {
		return int(status)
	}

	fmt.Fprintf(rootStderr, "workerbus: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) {
		return workererr.ExitUsageErr
	}
	return workererr.ExitCode(err)
}
