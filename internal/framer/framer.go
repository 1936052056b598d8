// Package framer splits a continuously appended byte stream into complete
// newline-delimited lines.
package framer

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBuffer bounds the unterminated tail a Framer keeps between chunks.
const DefaultMaxBuffer = 64 << 20

// Framer accumulates chunks and yields each complete line once its newline
// arrives. It does no parsing beyond UTF-8 validation. Not safe for
// concurrent use; the reader goroutine that owns the stream owns the Framer.
type Framer struct {
	buf       []byte
	maxBuffer int
	// discarding is set after an oversized partial line was dropped; bytes
	// are skipped until the next newline.
	discarding bool
	dropped    int
}

// New returns a Framer whose partial-line buffer is capped at maxBuffer
// bytes. maxBuffer <= 0 disables the cap.
func New(maxBuffer int) *Framer {
	return &Framer{maxBuffer: maxBuffer}
}

// Push appends chunk and returns the lines it completed, in stream order.
// Lines that are not valid UTF-8 or are blank after trimming are dropped.
func (f *Framer) Push(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.appendPartial(chunk)
			break
		}

		if f.discarding {
			f.discarding = false
			chunk = chunk[i+1:]
			continue
		}

		var raw []byte
		if len(f.buf) > 0 {
			f.buf = append(f.buf, chunk[:i]...)
			raw = f.buf
		} else {
			raw = chunk[:i]
		}
		if line, ok := acceptLine(raw); ok {
			lines = append(lines, line)
		}
		f.buf = f.buf[:0]
		chunk = chunk[i+1:]
	}
	return lines
}

func (f *Framer) appendPartial(chunk []byte) {
	if f.discarding {
		return
	}
	if f.maxBuffer > 0 && len(f.buf)+len(chunk) > f.maxBuffer {
		f.buf = f.buf[:0]
		f.discarding = true
		f.dropped++
		return
	}
	f.buf = append(f.buf, chunk...)
}

func acceptLine(raw []byte) (string, bool) {
	if !utf8.Valid(raw) {
		return "", false
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return "", false
	}
	return line, true
}

// Buffered returns the number of bytes held for the current partial line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped returns how many oversized partial lines were discarded.
func (f *Framer) Dropped() int {
	return f.dropped
}
