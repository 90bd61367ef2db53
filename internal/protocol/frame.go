package protocol

import (
	"bytes"
	"strings"
)

// Frame buffer limits.
const (
	// MaxBufferSize is the most unterminated data a FrameBuffer holds.
	MaxBufferSize = 4096

	// keepOnOverflow is how much of the tail survives an overflow.
	keepOnOverflow = 2048
)

// FrameBuffer accumulates bytes from a stream and yields complete frames.
//
// It is not safe for concurrent use; each device read loop owns one.
type FrameBuffer struct {
	buf       []byte
	overflows uint64
}

// NewFrameBuffer returns an empty FrameBuffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{buf: make([]byte, 0, MaxBufferSize)}
}

// Write appends p and returns every complete frame now available, trimmed
// and with empty lines dropped. Incomplete trailing data is kept.
//
// When the pending data exceeds MaxBufferSize only the last 2048 bytes are
// kept and the overflow is counted.
func (f *FrameBuffer) Write(p []byte) []string {
	f.buf = append(f.buf, p...)

	var frames []string
	for {
		if i := bytes.IndexByte(f.buf, '\n'); i >= 0 {
			line := f.buf[:i]
			f.buf = f.buf[i+1:]
			frames = appendLine(frames, line)
			continue
		}

		// Controllers occasionally write JSON objects back to back
		// without a newline. A lone object with nothing after it is left
		// for the newline path so a frame is never emitted twice.
		obj, rest, ok := cutJSONObject(f.buf)
		if !ok || len(bytes.TrimSpace(rest)) == 0 {
			break
		}
		frames = append(frames, string(obj))
		f.buf = rest
	}

	if len(f.buf) > MaxBufferSize {
		f.buf = append(f.buf[:0], f.buf[len(f.buf)-keepOnOverflow:]...)
		f.overflows++
	}

	// Reclaim the consumed prefix once the backing array drifts.
	if cap(f.buf)-len(f.buf) < MaxBufferSize/4 {
		f.buf = append(make([]byte, 0, MaxBufferSize), f.buf...)
	}

	return frames
}

// Buffered returns the number of bytes waiting for a terminator.
func (f *FrameBuffer) Buffered() int {
	return len(f.buf)
}

// Overflows returns how many times the buffer was truncated.
func (f *FrameBuffer) Overflows() uint64 {
	return f.overflows
}

// Reset discards any buffered data.
func (f *FrameBuffer) Reset() {
	f.buf = f.buf[:0]
}

// appendLine appends a terminated line, splitting it when it consists of
// several JSON objects back to back.
func appendLine(frames []string, line []byte) []string {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return frames
	}

	var objs []string
	rest := line
	for len(rest) > 0 {
		obj, r, ok := cutJSONObject(rest)
		if !ok {
			// Not purely objects; keep the line intact.
			return append(frames, strings.TrimSpace(string(line)))
		}
		objs = append(objs, string(obj))
		rest = bytes.TrimSpace(r)
	}
	return append(frames, objs...)
}

// cutJSONObject reports whether buf starts (after whitespace) with a
// complete brace-balanced JSON object, returning the object and the
// remainder. Braces inside strings are ignored.
func cutJSONObject(buf []byte) (obj, rest []byte, ok bool) {
	start := 0
	for start < len(buf) && isSpace(buf[start]) {
		start++
	}
	if start >= len(buf) || buf[start] != '{' {
		return nil, nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return buf[start : i+1], buf[i+1:], true
			}
		}
	}
	return nil, nil, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
