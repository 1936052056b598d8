package browser

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/stretchr/testify/assert"
)

func TestSummaries(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"started", map[string]any{"event": "started"}, "Started"},
		{"step start with url only", map[string]any{"event": "step_start", "step": 2, "url": "https://go.dev"}, "Step 2: https://go.dev"},
		{"step start bare", map[string]any{"event": "step_start", "step": 3}, "Step 3"},
		{"model output memory fallback", map[string]any{"event": "model_output", "memory": "Searched once"}, "Searched once"},
		{"model output actions only", map[string]any{
			"event":   "model_output",
			"actions": []any{map[string]any{"scroll": map[string]any{"down": true}}, map[string]any{"done": map[string]any{}}},
		}, "Actions: scroll, done"},
		{"model output empty", map[string]any{"event": "model_output"}, "Thinking"},
		{"action error", map[string]any{"event": "action_result", "status": "error", "text": "Element not found"}, "error: Element not found"},
		{"action without text", map[string]any{"event": "action_result"}, "ok"},
		{"step end", map[string]any{"event": "step_end", "step": 4}, "Finished step 4"},
		{"unknown kind", map[string]any{"event": "heartbeat"}, "heartbeat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := parseEvent(envelope.MustFrom(tt.payload))
			assert.Equal(t, tt.want, ev.Summary)
		})
	}
}

func TestSummaryClipsLongText(t *testing.T) {
	long := strings.Repeat("é", 200)
	ev := parseEvent(envelope.MustFrom(map[string]any{"event": "action_result", "status": "ok", "text": long}))

	text := strings.TrimPrefix(ev.Summary, "ok: ")
	assert.True(t, strings.HasSuffix(text, "…"))
	assert.Equal(t, SummaryLimit+1, utf8.RuneCountInString(text))
}

func TestSummaryCollapsesWhitespace(t *testing.T) {
	ev := parseEvent(envelope.MustFrom(map[string]any{"event": "model_output", "next_goal": "Fill\n  the   form"}))
	assert.Equal(t, "Fill the form", ev.Summary)
}

func TestParseEventFields(t *testing.T) {
	payload := envelope.MustFrom(map[string]any{
		"event":      "screenshot",
		"step":       5,
		"path":       "/tmp/run/step-0005.png",
		"thumb_path": "/tmp/run/step-0005-thumb.jpg",
	})
	ev := parseEvent(payload)
	assert.Equal(t, KindScreenshot, ev.Kind)
	assert.Equal(t, 5, ev.Step)
	assert.Equal(t, "/tmp/run/step-0005.png", ev.ScreenshotPath)
	assert.Equal(t, "/tmp/run/step-0005-thumb.jpg", ev.ThumbPath)
	assert.Equal(t, payload, ev.Raw)
}

func TestActionNamesSkipsNullEntries(t *testing.T) {
	actions := envelope.MustFrom([]any{
		map[string]any{"click_element": nil, "input_text": map[string]any{"text": "hi"}},
		"wait",
		42,
	})
	assert.Equal(t, []string{"input_text", "wait"}, actionNames(actions))
}
