package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		fails    bool
	}{
		{
			name:     "equal text",
			actual:   "ble\n  init\n  shutdown",
			expected: "ble\n  init\n  shutdown",
		},
		{
			name:     "surrounding blank lines are trimmed",
			actual:   "\nble\n  init\n",
			expected: "ble\n  init",
		},
		{
			name:     "trailing whitespace and carriage returns are ignored",
			actual:   "retcode: 0 \r\n<<< x\t",
			expected: "retcode: 0\n<<< x",
		},
		{
			name:     "empty lines matter by default",
			actual:   "a\n\nb",
			expected: "a\nb",
			fails:    true,
		},
		{
			name:     "empty lines ignored on request",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "a\n\nb",
			expected: "a\nb",
		},
		{
			name:     "different order fails",
			actual:   "init\nshutdown",
			expected: "shutdown\ninit",
			fails:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.fails {
				assert.NotEmpty(t, rec.failures)
			} else {
				assert.Empty(t, rec.failures)
			}
		})
	}
}

func TestTextAsserter_DiffShowsBothSides(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec).AssertLines([]string{"ble init", "retcode: -1"}, "ble init", "retcode: 0")

	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "-retcode: 0")
		assert.Contains(t, rec.failures[0], "+retcode: -1")
	}
}

func TestTextAsserter_Colors(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec).WithOptions(WithEnableColors(true)).Assert("a b", "a c")

	if assert.Len(t, rec.failures, 1) {
		assert.Contains(t, rec.failures[0], "\x1b[")
		assert.Contains(t, rec.failures[0], "a·c")
	}
}
