package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(e *Engine) []OutputRecord {
	var records []OutputRecord
	for {
		select {
		case r := <-e.Output():
			records = append(records, r)
		default:
			return records
		}
	}
}

func TestEngine_CapturePrint(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		expected string
	}{
		{name: "string", script: `print("hello")`, expected: "hello\n"},
		{name: "several values", script: `print("a", 1, true, nil)`, expected: "a\t1\ttrue\tnil\n"},
		{name: "float", script: `print(0.25)`, expected: "0.25\n"},
		{name: "table uses tostring", script: `print(setmetatable({}, {__tostring = function() return "tbl" end}))`, expected: "tbl\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil)
			defer e.Close()

			require.NoError(t, e.LoadScript(tt.script, tt.name))
			require.NoError(t, e.Execute())

			records := collect(e)
			require.Len(t, records, 1)
			assert.Equal(t, SourceStdout, records[0].Source)
			assert.Equal(t, tt.expected, records[0].Content)
		})
	}
}

func TestEngine_Errors(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	err := e.LoadScript("   ", "blank")
	assert.ErrorIs(t, err, &LuaError{Type: ErrorAPI})

	assert.ErrorIs(t, e.Execute(), &LuaError{Type: ErrorAPI})

	err = e.LoadScript("local x = \n\n error('boom')", "runtime.lua")
	require.NoError(t, err)
	err = e.Execute()
	var luaErr *LuaError
	require.ErrorAs(t, err, &luaErr)
	assert.Equal(t, ErrorRuntime, luaErr.Type)
	assert.Equal(t, 3, luaErr.Line)
	assert.Contains(t, luaErr.Message, "boom")

	records := collect(e)
	require.NotEmpty(t, records)
	assert.Equal(t, SourceStderr, records[len(records)-1].Source)
}

func TestEngine_Globals(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	require.NoError(t, e.SetGlobal("retcode", -1))
	require.NoError(t, e.SetGlobal("peer", "0A:11:22:33:44:55"))
	require.NoError(t, e.SetGlobal("opts", map[string]any{"interval": 100.0, "list": []any{"a", "b"}}))
	assert.Error(t, e.SetGlobal("bad", struct{}{}))

	require.NoError(t, e.LoadScript(`out = { retcode * 2, peer, opts.interval, opts.list[2], n = 1 }`, "globals"))
	require.NoError(t, e.Execute())

	assert.Equal(t, map[string]any{
		"1": float64(-2),
		"2": "0A:11:22:33:44:55",
		"3": float64(100),
		"4": "b",
		"n": float64(1),
	}, e.GetGlobal("out"))
	assert.Equal(t, "0A:11:22:33:44:55", e.GetGlobal("peer"))
	assert.Nil(t, e.GetGlobal("missing"))
}

func TestEngine_SequenceTables(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	require.NoError(t, e.LoadScript(`seq = {"x", "y"}; empty = {}`, "tables"))
	require.NoError(t, e.Execute())

	assert.Equal(t, []any{"x", "y"}, e.GetGlobal("seq"))
	assert.Equal(t, map[string]any{}, e.GetGlobal("empty"))
}

func TestEngine_SafeWrapGoFunction(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	e.DoWithState(func(L *lua.State) any {
		L.PushGoFunction(e.SafeWrapGoFunction("explode", func(L *lua.State) int {
			var m map[string]int
			m["boom"] = 1 // nil map write
			return 0
		}))
		L.SetGlobal("explode")
		return nil
	})

	require.NoError(t, e.LoadScript(`local ok, msg = pcall(explode); print(ok, msg)`, "wrap"))
	require.NoError(t, e.Execute())

	records := collect(e)
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0].Content, "false\t"))
	assert.Contains(t, records[0].Content, "explode: internal error")
}

func TestEngine_ClosedEngine(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.LoadScript(`print(1)`, "closed"))
	e.Close()

	assert.ErrorIs(t, e.Execute(), &LuaError{Type: ErrorAPI})
	assert.Nil(t, e.GetGlobal("print"))
}

func TestOutputDrainer(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	var stdout, stderr strings.Builder
	d := NewOutputDrainer(context.Background(), e.Output(), nil, &stdout, &stderr)

	require.NoError(t, e.LoadScript(`print("one"); print("two"); error("three")`, "drain"))
	require.Error(t, e.Execute())

	time.Sleep(20 * time.Millisecond)
	d.Cancel()
	d.Cancel()
	d.Wait()

	assert.Equal(t, "one\ntwo\n", stdout.String())
	assert.Contains(t, stderr.String(), "three")
}
