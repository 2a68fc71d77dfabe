// Package lineedit implements the character-mode line editor that sits
// above the Telnet codec (spec.md §4.C): local echo, backspace, CR/LF
// folding, and control-key handling, turning a stream of cleaned bytes
// into whole lines.
package lineedit

import "unicode/utf8"

// Signal reports a non-line event the editor wants the caller to act on.
type Signal int

const (
	// SignalNone means nothing special happened; check Lines instead.
	SignalNone Signal = iota
	// SignalInterrupt is Ctrl-C: terminate the session, reason client-interrupt.
	SignalInterrupt
	// SignalEOF is Ctrl-D on an empty buffer: orderly close.
	SignalEOF
)

// Echo controls whether Editor writes characters and backspace sequences
// back to Output as they're typed. It defaults to false and is only set
// true once the Telnet ECHO option has actually negotiated to Yes (spec.md
// §4.B: the server echoes, the client does not — meaningless without a
// negotiated Telnet session, so plain TCP/WebSocket traffic never echoes).
type Editor struct {
	Echo   bool
	Output func([]byte)

	buf []byte // in-progress line, raw bytes pending UTF-8 decode
	cr  bool   // true immediately after a lone CR, awaiting a possible LF
}

// NewEditor creates an editor that writes echoed bytes to out. Echo starts
// disabled; the caller enables it once negotiation says so.
func NewEditor(out func([]byte)) *Editor {
	return &Editor{Output: out}
}

func (e *Editor) emit(b []byte) {
	if e.Echo && e.Output != nil {
		e.Output(b)
	}
}

// Feed consumes cleaned bytes (already stripped of Telnet sequences) and
// returns any whole lines assembled, plus a Signal for Ctrl-C/Ctrl-D.
// A Signal other than SignalNone always means Feed stopped processing the
// remaining bytes in data early — the caller is expected to terminate the
// session before any more input is considered.
func (e *Editor) Feed(data []byte) (lines []string, sig Signal) {
	for i := 0; i < len(data); i++ {
		b := data[i]

		if e.cr {
			e.cr = false
			if b == '\n' {
				continue // CR LF: already emitted on the CR
			}
			// CR alone followed by non-LF: the line was already emitted;
			// fall through and process b normally.
		}

		switch {
		case b == '\r':
			e.cr = true
			lines = append(lines, e.takeLine())

		case b == '\n':
			lines = append(lines, e.takeLine())

		case b == 0x08 || b == 0x7F: // backspace / delete
			if len(e.buf) > 0 {
				e.buf = e.buf[:len(e.buf)-1]
				e.emit([]byte("\b \b"))
			}

		case b == 0x03: // Ctrl-C
			return lines, SignalInterrupt

		case b == 0x04: // Ctrl-D
			if len(e.buf) == 0 {
				return lines, SignalEOF
			}
			// Non-empty buffer: treat as an ordinary control byte (drop).

		case isPrintable(b):
			e.buf = append(e.buf, b)
			e.emit([]byte{b})

		default:
			// Other control bytes: drop.
		}
	}
	return lines, SignalNone
}

func isPrintable(b byte) bool {
	return (b >= 0x20 && b < 0x7F) || b >= 0xA0
}

// takeLine decodes the accumulated buffer as UTF-8, replacing invalid
// sequences with U+FFFD, and resets the buffer for the next line.
func (e *Editor) takeLine() string {
	line := decodeUTF8Lenient(e.buf)
	e.buf = e.buf[:0]
	return line
}

// decodeUTF8Lenient decodes b as UTF-8, substituting U+FFFD for any byte
// that doesn't begin a valid sequence, and never fails.
func decodeUTF8Lenient(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
