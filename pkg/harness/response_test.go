package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	strPtr := func(s string) *string { return &s }

	tests := []struct {
		name     string
		lines    []string
		expected *Parsed
		wantErr  bool
	}{
		{
			name:     "status and result",
			lines:    []string{`{"status": 0, "result": "1.2.3"}`, "retcode: 0"},
			expected: &Parsed{Status: 0, Result: json.RawMessage(`"1.2.3"`)},
		},
		{
			name:     "payload split across lines is joined without separator",
			lines:    []string{`{"status": 0, "result": {"address": "0A:`, `11:22:33:44:55"}}`, "retcode: 0"},
			expected: &Parsed{Status: 0, Result: json.RawMessage(`{"address": "0A:11:22:33:44:55"}`)},
		},
		{
			name:     "error payload",
			lines:    []string{`{"status": -1, "error": "BLE_ERROR_INVALID_STATE"}`, "retcode: -1"},
			expected: &Parsed{Status: -1, Error: strPtr("BLE_ERROR_INVALID_STATE")},
		},
		{
			name:     "status only",
			lines:    []string{`{"status": 0}`, "retcode: 0"},
			expected: &Parsed{},
		},
		{
			name:    "empty object has no status",
			lines:   []string{`{}`, "retcode: 0"},
			wantErr: true,
		},
		{
			name:    "result without status",
			lines:   []string{`{"result": "x"}`, "retcode: 0"},
			wantErr: true,
		},
		{
			name:    "null document",
			lines:   []string{`null`, "retcode: 0"},
			wantErr: true,
		},
		{
			name:    "null status",
			lines:   []string{`{"status": null, "result": "x"}`, "retcode: 0"},
			wantErr: true,
		},
		{
			name:    "marker only",
			lines:   []string{"retcode: 0"},
			wantErr: true,
		},
		{
			name:    "not json",
			lines:   []string{"Command not found", "retcode: 0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parsePayload(tt.lines)
			if tt.wantErr {
				var pe *ParseError
				assert.ErrorAs(t, err, &pe)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected.Status, p.Status)
			assert.Equal(t, tt.expected.Error, p.Error)
			if tt.expected.Result == nil {
				assert.Nil(t, p.Result)
			} else {
				assert.JSONEq(t, string(tt.expected.Result), string(p.Result))
			}
		})
	}
}

func TestParsed_DecodeResult(t *testing.T) {
	p := &Parsed{Result: json.RawMessage(`{"address": "0A:11:22:33:44:55", "address_type": "RANDOM"}`)}

	var addr struct {
		Address string `json:"address"`
		Type    string `json:"address_type"`
	}
	require.NoError(t, p.DecodeResult(&addr))
	assert.Equal(t, "0A:11:22:33:44:55", addr.Address)
	assert.Equal(t, "RANDOM", addr.Type)

	var n int
	assert.Error(t, p.DecodeResult(&n))

	empty := &Parsed{}
	n = 42
	require.NoError(t, empty.DecodeResult(&n))
	assert.Equal(t, 42, n)
	assert.Equal(t, "", empty.ErrorMessage())
}

func TestCommandResult_SyncAccessors(t *testing.T) {
	ctx := context.Background()
	r := newSyncResult("ble getVersion", 0, []string{`{"status": 0, "result": "4.1.0"}`, "retcode: 0"})

	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	ok, err := r.Success(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	msg, err := r.ErrorMessage(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	res, err := r.Result(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"4.1.0"`, string(res))

	lines, err := r.Lines(ctx)
	require.NoError(t, err)
	assert.Equal(t, "retcode: 0", lines[len(lines)-1])

	assert.Equal(t, "ble getVersion", r.Command())
	assert.Equal(t, 0, r.Retcode())
	assert.False(t, r.Async())
}

func TestCommandResult_Field(t *testing.T) {
	ctx := context.Background()
	r := newSyncResult("gap getAddress", 0, []string{
		`{"status": 0, "error": "none", "result": {"address": "0A:11:22:33:44:55"}}`,
		"retcode: 0",
	})

	tests := []struct {
		name     string
		field    string
		expected any
		err      error
	}{
		{"status", FieldStatus, 0, nil},
		{"error", FieldError, "none", nil},
		{"result", FieldResult, map[string]any{"address": "0A:11:22:33:44:55"}, nil},
		{"unknown", "retcode", nil, ErrUnknownField},
		{"case sensitive", "Status", nil, ErrUnknownField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.Field(ctx, tt.field)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestCommandResult_PayloadWithoutStatusFails(t *testing.T) {
	for _, payload := range []string{`{"result": "x"}`, `{}`, `null`} {
		t.Run(payload, func(t *testing.T) {
			r := newSyncResult("ble init", 0, []string{payload, "retcode: 0"})

			ok, err := r.Success(context.Background())
			assert.False(t, ok, "a payload without status MUST NOT count as success")
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.ErrorIs(t, err, ErrMissingStatus)
			assert.Equal(t, payload, pe.Payload)
		})
	}
}

func TestCommandResult_UnknownFieldBeforeRead(t *testing.T) {
	calls := 0
	r := newAsyncResult("gap startScan", 0, func(context.Context) ([]string, error) {
		calls++
		return []string{"{}", "retcode: 0"}, nil
	})

	_, err := r.Field(context.Background(), "retcode")
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Zero(t, calls)
}

func TestCommandResult_AsyncMemoizes(t *testing.T) {
	ctx := context.Background()
	calls := 0
	r := newAsyncResult("gap startScan 1000", 0, func(context.Context) ([]string, error) {
		calls++
		return []string{`{"status": 0}`, "retcode: 0"}, nil
	})
	assert.True(t, r.Async())
	assert.Zero(t, calls, "no read before the result is used")

	require.NoError(t, r.Await(ctx))
	require.NoError(t, r.Await(ctx))
	p1, err := r.Resolve(ctx)
	require.NoError(t, err)
	p2, err := r.Resolve(ctx)
	require.NoError(t, err)
	_, _ = r.Status(ctx)
	_, _ = r.Field(ctx, FieldResult)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, calls)
}

func TestCommandResult_ErrorsAreMemoized(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	calls := 0
	r := newAsyncResult("ble init", 0, func(context.Context) ([]string, error) {
		calls++
		return nil, boom
	})

	_, err := r.Resolve(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = r.Status(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, r.Await(ctx), boom)
	assert.Equal(t, 1, calls)

	bad := newSyncResult("ble init", 0, []string{"garbage", "retcode: 0"})
	_, err1 := bad.Resolve(ctx)
	_, err2 := bad.Resolve(ctx)
	var pe *ParseError
	assert.ErrorAs(t, err1, &pe)
	assert.Same(t, err1, err2)
}

type fatalRecorder struct {
	failed bool
	msg    string
}

func (f *fatalRecorder) Helper() {}

func (f *fatalRecorder) Fatalf(format string, args ...any) {
	f.failed = true
	f.msg = fmt.Sprintf(format, args...)
}

func TestCommandResult_MustResolve(t *testing.T) {
	ok := newSyncResult("ble init", 0, []string{`{"status": 0}`, "retcode: 0"})
	rec := &fatalRecorder{}
	p := ok.MustResolve(rec)
	assert.False(t, rec.failed)
	require.NotNil(t, p)
	assert.Equal(t, 0, p.Status)

	bad := newSyncResult("ble init", 0, []string{"oops", "retcode: 0"})
	rec = &fatalRecorder{}
	assert.Nil(t, bad.MustResolve(rec))
	assert.True(t, rec.failed)
	assert.Contains(t, rec.msg, "ble init")
}
