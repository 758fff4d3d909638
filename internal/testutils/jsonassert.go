package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the subset of testing.TB the asserters report through.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAsserter compares response payloads and event bodies structurally.
// By default only the keys named by the expected document are compared, so a
// test can pin "status" without restating a large "result".
type JSONAsserter struct {
	t      TestingT
	strict bool
}

// NewJSONAsserter returns an asserter that ignores keys absent from the
// expected document.
func NewJSONAsserter(t TestingT) *JSONAsserter {
	return &JSONAsserter{t: t}
}

// Strict makes keys missing from the expected document fail the assertion.
func (ja *JSONAsserter) Strict() *JSONAsserter {
	ja.strict = true
	return ja
}

// Assert compares actualJSON against expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals actual and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) {
	ja.t.Helper()
	ja.Assert(MustJSON(actual), expectedJSON)
}

// AssertLines compares the payload of captured response lines: a trailing
// "retcode:" marker is dropped and the rest joined the way the board split it.
func (ja *JSONAsserter) AssertLines(lines []string, expectedJSON string) {
	ja.t.Helper()
	if n := len(lines); n > 0 && strings.HasPrefix(lines[n-1], "retcode:") {
		lines = lines[:n-1]
	}
	ja.Assert(strings.Join(lines, ""), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON %q: %v", actualJSON, err)
	}

	// gojsondiff only compares objects at the root
	expected = map[string]any{"payload": expected}
	actual = map[string]any{"payload": actual}
	if !ja.strict {
		keepExpectedKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// keepExpectedKeys deletes from actual every object key expected lacks.
func keepExpectedKeys(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range act {
			want, named := exp[k]
			if !named {
				delete(act, k)
				continue
			}
			keepExpectedKeys(v, want)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := 0; i < len(exp) && i < len(act); i++ {
			keepExpectedKeys(act[i], exp[i])
		}
	}
}
