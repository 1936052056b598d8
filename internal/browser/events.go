package browser

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/lydakis/workerbus/internal/envelope"
	"github.com/lydakis/workerbus/internal/pending"
)

// SummaryLimit bounds each text field quoted in a progress summary.
const SummaryLimit = 80

// Event kinds emitted by the browser worker while a task runs.
const (
	KindStarted      = "started"
	KindStepStart    = "step_start"
	KindModelOutput  = "model_output"
	KindActionResult = "action_result"
	KindScreenshot   = "screenshot"
	KindStepEnd      = "step_end"
)

// ProgressEvent is one step of a running task, reduced to what a UI shows.
type ProgressEvent struct {
	Kind           string
	Step           int
	URL            string
	Title          string
	Summary        string
	Status         string
	ScreenshotPath string
	ThumbPath      string
	// Raw is the event payload as the worker sent it.
	Raw envelope.Value
}

func parseEvent(payload envelope.Value) ProgressEvent {
	ev := ProgressEvent{
		Kind:           str(payload, "event"),
		URL:            str(payload, "url"),
		Title:          str(payload, "title"),
		Status:         str(payload, "status"),
		ScreenshotPath: str(payload, "path"),
		ThumbPath:      str(payload, "thumb_path"),
		Raw:            payload,
	}
	if step, ok := payload.Get("step").IntValue(); ok {
		ev.Step = int(step)
	}
	ev.Summary = summarize(ev, payload)
	return ev
}

func summarize(ev ProgressEvent, payload envelope.Value) string {
	switch ev.Kind {
	case KindStarted:
		return "Started"
	case KindStepStart:
		if where := firstNonEmpty(ev.Title, ev.URL); where != "" {
			return fmt.Sprintf("Step %d: %s", ev.Step, clip(where))
		}
		return fmt.Sprintf("Step %d", ev.Step)
	case KindModelOutput:
		goal := clip(firstNonEmpty(str(payload, "next_goal"), str(payload, "memory")))
		actions := clip(strings.Join(actionNames(payload.Get("actions")), ", "))
		switch {
		case goal != "" && actions != "":
			return goal + " (" + actions + ")"
		case goal != "":
			return goal
		case actions != "":
			return "Actions: " + actions
		default:
			return "Thinking"
		}
	case KindActionResult:
		status := ev.Status
		if status == "" {
			status = "ok"
		}
		if text := clip(str(payload, "text")); text != "" {
			return status + ": " + text
		}
		return status
	case KindScreenshot:
		return "Screenshot: " + ev.ScreenshotPath
	case KindStepEnd:
		return fmt.Sprintf("Finished step %d", ev.Step)
	default:
		return ev.Kind
	}
}

// actionNames lists the action name of each entry in a model's planned
// action batch. Each entry is an object keyed by a single action name.
func actionNames(actions envelope.Value) []string {
	items, ok := actions.ArrayValue()
	if !ok {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.ObjectValue()
		if !ok {
			if s, ok := item.StringValue(); ok && s != "" {
				names = append(names, s)
			}
			continue
		}
		for _, key := range slices.Sorted(maps.Keys(obj)) {
			if !obj[key].IsNull() {
				names = append(names, key)
				break
			}
		}
	}
	return names
}

// clip collapses whitespace and shortens s to SummaryLimit runes.
func clip(s string) string {
	return pending.Clip(strings.Join(strings.Fields(s), " "), SummaryLimit)
}

func str(v envelope.Value, key string) string {
	s, _ := v.Get(key).StringValue()
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
