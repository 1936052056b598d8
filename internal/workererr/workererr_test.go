package workererr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not running", ErrNotRunning, true},
		{"wrapped not running", fmt.Errorf("calling tool: %w", ErrNotRunning), true},
		{"readiness timeout", &ReadinessTimeoutError{Role: "browser", Timeout: time.Second}, true},
		{"protocol", &ProtocolError{Message: "boom"}, false},
		{"tool", &ToolError{Tool: "cad_extrude", Message: "bad depth"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestReadinessTimeoutMessageMentionsLaunchConfiguration(t *testing.T) {
	err := &ReadinessTimeoutError{Role: "cad", Timeout: 20 * time.Second}
	assert.Contains(t, err.Error(), "interpreter path")
	assert.Contains(t, err.Error(), "20s")
}

func TestIsToolErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("call: %w", &ToolError{Tool: "x", Message: "boom"})
	assert.True(t, IsToolError(err))
	assert.False(t, IsToolError(errors.New("boom")))
}

func TestToolErrorExposesProtocolError(t *testing.T) {
	perr := &ProtocolError{Type: "call_tool.error", Message: "boom"}
	err := &ToolError{Tool: "explode", Message: perr.Message, Err: perr}

	var got *ProtocolError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, "call_tool.error", got.Type)
	assert.Equal(t, "explode: boom", err.Error())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitToolErr, ExitCode(fmt.Errorf("x: %w", &ToolError{Message: "bad"})))
	assert.Equal(t, ExitToolErr, ExitCode(fmt.Errorf("x: %w", &ProtocolError{Message: "task failed"})))
	assert.Equal(t, ExitInternal, ExitCode(ErrNotRunning))
	assert.Equal(t, ExitInternal, ExitCode(&ReadinessTimeoutError{Timeout: time.Second}))
}
