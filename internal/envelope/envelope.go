// Package envelope encodes command envelopes sent to a worker process and
// decodes the messages it writes back.
//
// Every message is one JSON object on one line:
//
//	{"id": "<request id>", "type": "<verb>[.suffix]", "payload": <any JSON>}
//
// Commands use bare verbs (open_browser). Replies to a command echo its id and
// use "<verb>.event" for progress and "<verb>.ok", "<verb>.error" or
// "<verb>.cancelled" for the terminal outcome. Notifications such as "ready"
// carry no id.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message types and suffixes with protocol meaning.
const (
	TypeReady = "ready"
	TypeError = "error"

	SuffixEvent     = ".event"
	SuffixOK        = ".ok"
	SuffixError     = ".error"
	SuffixCancelled = ".cancelled"
)

// Envelope is one protocol message. A nil Payload is omitted on the wire.
type Envelope struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload *Value `json:"payload,omitempty"`
}

// PayloadValue returns the payload, or null when absent.
func (e Envelope) PayloadValue() Value {
	if e.Payload == nil {
		return Null()
	}
	return *e.Payload
}

// New builds an envelope; payload may be nil.
func New(id, typ string, payload *Value) Envelope {
	return Envelope{ID: id, Type: typ, Payload: payload}
}

// Encode serializes env followed by a single newline.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, errors.New("envelope type is required")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}
	return append(data, '\n'), nil
}

// wireEnvelope tolerates ids of any JSON type; workers have been seen to echo
// null ids on uncorrelated errors.
type wireEnvelope struct {
	ID      json.RawMessage `json:"id"`
	Type    string          `json:"type"`
	Payload *Value          `json:"payload"`
}

// Decode parses one line into an Envelope. The line must be a JSON object
// with a non-empty type.
func Decode(line string) (Envelope, error) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.New("message is not a JSON object")
	}

	var wire wireEnvelope
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decoding message: %w", err)
	}
	if wire.Type == "" {
		return Envelope{}, errors.New("message has no type")
	}

	env := Envelope{Type: wire.Type, Payload: wire.Payload}
	if id, ok := decodeID(wire.ID); ok {
		env.ID = id
	}
	if env.Payload != nil && env.Payload.IsNull() {
		env.Payload = nil
	}
	return env, nil
}

func decodeID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	// Numeric ids are echoed back verbatim.
	return string(raw), true
}

// Verb strips a protocol suffix: "run_task.event" -> "run_task".
func Verb(typ string) string {
	if i := strings.LastIndexByte(typ, '.'); i > 0 {
		return typ[:i]
	}
	return typ
}

func IsEvent(typ string) bool { return strings.HasSuffix(typ, SuffixEvent) }

// IsError reports a failure reply: "<verb>.error" or the bare "error" used
// for requests the worker could not dispatch at all.
func IsError(typ string) bool {
	return typ == TypeError || strings.HasSuffix(typ, SuffixError)
}

func IsCancelled(typ string) bool { return strings.HasSuffix(typ, SuffixCancelled) }

// IsSuccess reports a terminal non-failure reply (.ok or .cancelled).
func IsSuccess(typ string) bool {
	return strings.HasSuffix(typ, SuffixOK) || IsCancelled(typ)
}

// IsTerminal reports whether typ ends the life of a request.
func IsTerminal(typ string) bool {
	return IsError(typ) || IsSuccess(typ)
}

// IsReady reports the uncorrelated readiness notification.
func IsReady(env Envelope) bool {
	return env.ID == "" && env.Type == TypeReady
}

// ErrorMessage returns payload.message, if it is a string.
func ErrorMessage(payload Value) string {
	msg, _ := payload.Get("message").StringValue()
	return msg
}

// Traceback returns payload.traceback, if it is a string.
func Traceback(payload Value) string {
	tb, _ := payload.Get("traceback").StringValue()
	return tb
}
