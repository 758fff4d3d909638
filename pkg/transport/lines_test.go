package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanLine(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		valid    bool
	}{
		{
			name:     "plain line with CRLF",
			raw:      "retcode: 0\r\n",
			expected: "retcode: 0",
			valid:    true,
		},
		{
			name:     "strips ANSI color sequences",
			raw:      "\x1b[32m{\"status\": 0}\x1b[0m\r\n",
			expected: "{\"status\": 0}",
			valid:    true,
		},
		{
			name:     "keeps last segment of a redrawn line",
			raw:      "> gap sta\r> gap startScan\r\n",
			expected: "> gap startScan",
			valid:    true,
		},
		{
			name:     "tabs become two spaces",
			raw:      "[DBG]\tconnected\n",
			expected: "[DBG]  connected",
			valid:    true,
		},
		{
			name:     "event line is left intact",
			raw:      "<<< {\"type\": \"connection\"}\r\n",
			expected: "<<< {\"type\": \"connection\"}",
			valid:    true,
		},
		{
			name:  "invalid utf-8 is rejected",
			raw:   "\xff\xfe\n",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := CleanLine([]byte(tt.raw))
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.expected, line)
			}
		})
	}
}

func TestLineSplitter_KeepsPartialData(t *testing.T) {
	var s lineSplitter

	assert.Empty(t, s.feed([]byte("{\"sta")))
	out := s.feed([]byte("tus\": 0}\r\nretco"))
	if assert.Len(t, out, 1) {
		assert.Equal(t, "{\"status\": 0}\r\n", string(out[0]))
	}

	out = s.feed([]byte("de: 0\n<<< a\n"))
	if assert.Len(t, out, 2) {
		assert.Equal(t, "retcode: 0\n", string(out[0]))
		assert.Equal(t, "<<< a\n", string(out[1]))
	}
	assert.Nil(t, s.pending)
}
