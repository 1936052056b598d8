// Package workererr defines the error kinds surfaced by worker processes and
// the facades built on top of them.
package workererr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotRunning is returned to every caller whose request was outstanding
// when the worker process exited, and to callers that reach a worker that is
// not running.
var ErrNotRunning = errors.New("worker process not running")

// ResourceMissingError reports a worker script or asset that cannot be found
// at launch time.
type ResourceMissingError struct {
	Resource string
	Path     string
}

func (e *ResourceMissingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found at %s", e.Resource, e.Path)
}

// InvalidResponseError reports a terminal reply that does not carry the
// fields an operation expects.
type InvalidResponseError struct {
	Op     string
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid worker response for %s: %s", e.Op, e.Reason)
}

// ProtocolError is a failure the worker reported explicitly for one request.
type ProtocolError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "worker reported an error"
	}
	return e.Message
}

// ReadinessTimeoutError is returned when a worker does not announce
// readiness within the allotted window.
type ReadinessTimeoutError struct {
	Role    string
	Timeout time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	role := e.Role
	if role == "" {
		role = "worker"
	}
	return fmt.Sprintf("%s did not become ready within %s; check the worker's interpreter path and script location", role, e.Timeout)
}

// ToolError is a domain failure: the worker ran the operation and reported a
// failed outcome. Err, when set, is the ProtocolError the failure arrived as.
type ToolError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsTransient reports whether err comes from worker infrastructure (process
// death, slow startup) rather than from the operation itself, i.e. whether a
// retry might succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRunning) {
		return true
	}
	var timeout *ReadinessTimeoutError
	return errors.As(err, &timeout)
}

// IsToolError reports whether err is a domain failure reported by a tool.
func IsToolError(err error) bool {
	var tool *ToolError
	return errors.As(err, &tool)
}

// Exit codes used by the command line.
const (
	ExitOK       = 0
	ExitToolErr  = 1
	ExitUsageErr = 2
	ExitInternal = 3
)

// ExitCode maps err to a process exit code. Failures the worker reported for
// the operation itself exit with ExitToolErr; everything else that went wrong
// exits with ExitInternal.
func ExitCode(err error) int {
	var perr *ProtocolError
	switch {
	case err == nil:
		return ExitOK
	case IsToolError(err), errors.As(err, &perr):
		return ExitToolErr
	default:
		return ExitInternal
	}
}
