package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		strict   bool
		actual   string
		expected string
		fails    bool
	}{
		{
			name:     "identical payloads",
			actual:   `{"status": 0, "result": "1.2.3"}`,
			expected: `{"status": 0, "result": "1.2.3"}`,
		},
		{
			name:     "keys the expectation omits are ignored",
			actual:   `{"status": 0, "result": {"address": "0A:11:22:33:44:55", "address_type": "RANDOM"}}`,
			expected: `{"status": 0, "result": {"address": "0A:11:22:33:44:55"}}`,
		},
		{
			name:     "strict rejects extra keys",
			strict:   true,
			actual:   `{"status": 0, "error": "x"}`,
			expected: `{"status": 0}`,
			fails:    true,
		},
		{
			name:     "missing key fails",
			actual:   `{"status": 0, "result": {}}`,
			expected: `{"status": 0, "result": {"address": "0A:11:22:33:44:55"}}`,
			fails:    true,
		},
		{
			name:     "different status",
			actual:   `{"status": -1}`,
			expected: `{"status": 0}`,
			fails:    true,
		},
		{
			name:     "arrays of reports",
			actual:   `[{"peer_address": "C0:FF:EE:00:00:02", "rssi": -42}]`,
			expected: `[{"peer_address": "C0:FF:EE:00:00:02"}]`,
		},
		{
			name:     "invalid actual",
			actual:   `{"status":`,
			expected: `{}`,
			fails:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ja := NewJSONAsserter(rec)
			if tt.strict {
				ja.Strict()
			}
			ja.Assert(tt.actual, tt.expected)
			if tt.fails {
				assert.NotEmpty(t, rec.failures)
			} else {
				assert.Empty(t, rec.failures)
			}
		})
	}
}

func TestJSONAsserter_AssertValue(t *testing.T) {
	rec := &recordingT{}
	NewJSONAsserter(rec).AssertValue(map[string]any{"status": 0, "result": []int{1, 2}}, `{"result": [1, 2]}`)
	assert.Empty(t, rec.failures)
}

func TestJSONAsserter_AssertLines(t *testing.T) {
	lines := []string{`{"status": 0, "result": {"address": "0A:`, `11:22:33:44:55"}}`, "retcode: 0"}

	rec := &recordingT{}
	NewJSONAsserter(rec).AssertLines(lines, `{"status": 0, "result": {"address": "0A:11:22:33:44:55"}}`)
	assert.Empty(t, rec.failures)

	NewJSONAsserter(rec).AssertLines(lines, `{"status": -1}`)
	assert.NotEmpty(t, rec.failures)
}
