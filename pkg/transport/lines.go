package transport

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ansiEscape matches VT100 CSI sequences emitted by the firmware shell
// (colors, cursor moves) when vt100 mode is still on.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// CleanLine turns one raw line read from the serial link into the text the
// harness reasons about.
//
// The firmware redraws its prompt with bare carriage returns, so a raw line
// holding more than one '\r' keeps only the last complete segment. Tabs used
// by debug traces become two spaces. The boolean result is false when the
// bytes are not valid UTF-8; such lines are dropped by the reader.
func CleanLine(raw []byte) (string, bool) {
	plain := ansiEscape.ReplaceAll(raw, nil)

	if bytes.Count(raw, []byte{'\r'}) > 1 {
		segments := bytes.Split(plain, []byte{'\r'})
		if len(segments) >= 2 {
			plain = segments[len(segments)-2]
		}
	}

	plain = bytes.ReplaceAll(plain, []byte{'\t'}, []byte("  "))

	if !utf8.Valid(plain) {
		return "", false
	}

	return strings.TrimSpace(string(plain)), true
}

// lineSplitter accumulates raw bytes and yields complete '\n' terminated lines.
// Partial data is kept until the terminator arrives.
type lineSplitter struct {
	pending []byte
}

func (s *lineSplitter) feed(chunk []byte) [][]byte {
	s.pending = append(s.pending, chunk...)

	var out [][]byte
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx+1)
		copy(line, s.pending[:idx+1])
		out = append(out, line)
		s.pending = s.pending[idx+1:]
	}

	if len(s.pending) == 0 {
		s.pending = nil
	}
	return out
}
