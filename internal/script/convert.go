package script

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/aarzilli/golua/lua"
)

// pushValue pushes a Go value decoded from JSON (or a scalar) onto the stack.
func pushValue(L *lua.State, v any) error {
	switch t := v.(type) {
	case nil:
		L.PushNil()
	case bool:
		L.PushBoolean(t)
	case string:
		L.PushString(t)
	case int:
		L.PushInteger(int64(t))
	case int64:
		L.PushInteger(t)
	case float64:
		L.PushNumber(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return err
		}
		L.PushNumber(f)
	case []any:
		L.CreateTable(len(t), 0)
		for i, item := range t {
			if err := pushValue(L, item); err != nil {
				L.Pop(1)
				return err
			}
			L.RawSeti(-2, i+1)
		}
	case map[string]any:
		L.CreateTable(0, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := pushValue(L, t[k]); err != nil {
				L.Pop(1)
				return err
			}
			L.SetField(-2, k)
		}
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

// pushJSON decodes raw and pushes it; empty input pushes nil.
func pushJSON(L *lua.State, raw json.RawMessage) error {
	if len(raw) == 0 {
		L.PushNil()
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return pushValue(L, v)
}

// toGo converts the value at idx. Tables become []any when they are a
// 1..n sequence and map[string]any otherwise.
func toGo(L *lua.State, idx int) any {
	switch L.Type(idx) {
	case lua.LUA_TBOOLEAN:
		return L.ToBoolean(idx)
	case lua.LUA_TNUMBER:
		return L.ToNumber(idx)
	case lua.LUA_TSTRING:
		return L.ToString(idx)
	case lua.LUA_TTABLE:
		return tableToGo(L, idx)
	default:
		return nil
	}
}

func tableToGo(L *lua.State, idx int) any {
	if idx < 0 {
		idx = L.GetTop() + idx + 1
	}
	entries := map[string]any{}
	var seq []any
	sequence := true

	L.PushNil()
	for L.Next(idx) != 0 {
		// key at -2, value at -1
		value := toGo(L, -1)
		if L.Type(-2) == lua.LUA_TNUMBER {
			n := L.ToNumber(-2)
			if n == math.Trunc(n) && int(n) == len(seq)+1 {
				seq = append(seq, value)
				L.Pop(1)
				continue
			}
			entries[fmt.Sprint(n)] = value
		} else {
			// ToString on a number key would convert it in place and break Next
			L.PushValue(-2)
			entries[L.ToString(-1)] = value
			L.Pop(1)
		}
		sequence = false
		L.Pop(1)
	}

	if sequence {
		if seq == nil {
			return map[string]any{}
		}
		return seq
	}
	for i, v := range seq {
		entries[fmt.Sprint(i+1)] = v
	}
	return entries
}

// commandArg converts a Lua call argument to a value the harness serializes:
// integral numbers print without a fraction.
func commandArg(L *lua.State, idx int) (any, error) {
	switch L.Type(idx) {
	case lua.LUA_TBOOLEAN:
		return L.ToBoolean(idx), nil
	case lua.LUA_TNUMBER:
		n := L.ToNumber(idx)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
		return n, nil
	case lua.LUA_TSTRING:
		return L.ToString(idx), nil
	default:
		return nil, fmt.Errorf("argument %d: unsupported Lua type %s", idx, L.Typename(int(L.Type(idx))))
	}
}
