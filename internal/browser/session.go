package browser

import (
	"slices"

	"github.com/lydakis/workerbus/internal/envelope"
)

// WindowSize is the browser viewport in pixels.
type WindowSize struct {
	Width  int
	Height int
}

// SessionOptions describe the browser session the worker keeps open. The
// profile fields identify the session: changing any of them closes and
// reopens the browser inside the running worker.
type SessionOptions struct {
	UserDataDir          string
	ProfileDirectory     string
	ChromeExecutablePath string
	ChromeArgs           []string

	Headless   bool
	WindowSize *WindowSize
}

// sameProfile reports whether s and other address the same browser profile.
// Headless and window size apply per launch and never force a reopen.
func (s SessionOptions) sameProfile(other SessionOptions) bool {
	return s.UserDataDir == other.UserDataDir &&
		s.ProfileDirectory == other.ProfileDirectory &&
		s.ChromeExecutablePath == other.ChromeExecutablePath &&
		slices.Equal(s.ChromeArgs, other.ChromeArgs)
}

func (s SessionOptions) clone() SessionOptions {
	out := s
	out.ChromeArgs = slices.Clone(s.ChromeArgs)
	if s.WindowSize != nil {
		ws := *s.WindowSize
		out.WindowSize = &ws
	}
	return out
}

func (s SessionOptions) payload() envelope.Value {
	fields := map[string]envelope.Value{
		"headless": envelope.Bool(s.Headless),
	}
	putString(fields, "user_data_dir", s.UserDataDir)
	putString(fields, "profile_directory", s.ProfileDirectory)
	putString(fields, "chrome_executable_path", s.ChromeExecutablePath)
	if len(s.ChromeArgs) > 0 {
		args := make([]envelope.Value, 0, len(s.ChromeArgs))
		for _, a := range s.ChromeArgs {
			args = append(args, envelope.String(a))
		}
		fields["chrome_args"] = envelope.Array(args...)
	}
	if ws := s.WindowSize.payload(); !ws.IsNull() {
		fields["window_size"] = ws
	}
	return envelope.Object(fields)
}

func (w *WindowSize) payload() envelope.Value {
	if w == nil || w.Width <= 0 || w.Height <= 0 {
		return envelope.Null()
	}
	return envelope.Object(map[string]envelope.Value{
		"width":  envelope.Int(int64(w.Width)),
		"height": envelope.Int(int64(w.Height)),
	})
}

func putString(fields map[string]envelope.Value, key, value string) {
	if value != "" {
		fields[key] = envelope.String(value)
	}
}
