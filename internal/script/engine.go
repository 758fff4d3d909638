// Package script runs Lua scenarios against allocated boards. Each board is
// exposed to the script as a global named after its role.
package script

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// Output sources
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// DefaultOutputCapacity is the number of print records kept before the
// oldest are dropped.
const DefaultOutputCapacity = 256

// OutputRecord is one print() call or error report.
type OutputRecord struct {
	Content   string
	Timestamp time.Time
	Source    string
}

// Error kinds
const (
	ErrorSyntax  = "syntax"
	ErrorRuntime = "runtime"
	ErrorAPI     = "api"
)

// LuaError describes a failed load or run.
type LuaError struct {
	Type       string
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	var where []string
	if e.Source != "" {
		where = append(where, "in "+e.Source)
	}
	if e.Line > 0 {
		where = append(where, fmt.Sprintf("line %d", e.Line))
	}
	if len(where) == 0 {
		return fmt.Sprintf("lua %s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("lua %s error (%s): %s", e.Type, strings.Join(where, ", "), e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

// Is matches another *LuaError of the same Type.
func (e *LuaError) Is(target error) bool {
	var other *LuaError
	if errors.As(target, &other) {
		return e.Type == other.Type
	}
	return false
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Engine owns one Lua state. Every access goes through DoWithState.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
	code   string
	source string
	output *RingChannel[OutputRecord]
}

// NewEngine returns an engine with a fresh state and print() captured.
// If logger is nil, a no-op logger is used.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = noopLogger
	}
	e := &Engine{
		logger: logger,
		output: NewRingChannel[OutputRecord](DefaultOutputCapacity),
	}
	e.Reset()
	return e
}

// DoWithState runs fn with the state locked. It returns nil when the
// engine is closed.
func (e *Engine) DoWithState(fn func(L *lua.State) any) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	return fn(e.state)
}

// Output returns the channel print() records are sent to.
func (e *Engine) Output() <-chan OutputRecord {
	return e.output.C()
}

// OutputMetrics returns the output ring counters.
func (e *Engine) OutputMetrics() Metrics {
	return e.output.Metrics()
}

func (e *Engine) emit(source, content string) {
	if e.output.Send(OutputRecord{Content: content, Timestamp: time.Now(), Source: source}) {
		e.logger.Debug("Lua output ring full, oldest record dropped")
	}
}

func (e *Engine) registerPrint(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprint(L.ToBoolean(i)))
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprint(L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.emit(SourceStdout, strings.Join(parts, "\t")+"\n")
		return 0
	})
	L.SetGlobal("print")
}

// registerProtectedCall installs pcall. The stock one cannot stop a Go
// panic unwinding through it, so errors raised by Go functions are caught
// on the Go side instead.
func (e *Engine) registerProtectedCall(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		if L.GetTop() == 0 {
			L.RaiseError("pcall: function expected")
		}
		if err := L.Call(L.GetTop()-1, lua.LUA_MULTRET); err != nil {
			L.SetTop(0)
			L.PushBoolean(false)
			L.PushString(err.Error())
			return 2
		}
		L.PushBoolean(true)
		L.Insert(1)
		return L.GetTop()
	})
	L.SetGlobal("pcall")
}

// SafeWrapGoFunction turns a Go panic inside fn into a Lua error naming the
// function, instead of tearing down the process.
func (e *Engine) SafeWrapGoFunction(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) (n int) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if luaErr, ok := r.(*lua.LuaError); ok {
				// RaiseError from fn: let golua report it
				panic(luaErr)
			}
			e.logger.WithField("function", name).Errorf("Go panic in Lua call: %v", r)
			L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
		}()
		return fn(L)
	}
}

// parseError splits "chunk:line: message". Without a cause the message is
// popped from the stack, where LoadString leaves it.
func (e *Engine) parseError(L *lua.State, kind, source string, cause error) *LuaError {
	msg := "unknown Lua error"
	switch {
	case cause != nil:
		msg = cause.Error()
	case L.GetTop() > 0:
		if L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Pop(1)
	}

	luaErr := &LuaError{Type: kind, Message: msg, Source: source, Underlying: cause}
	if parts := strings.SplitN(msg, ":", 3); len(parts) == 3 {
		var line int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil {
			luaErr.Line = line
			luaErr.Message = strings.TrimSpace(parts[2])
		}
	}
	return luaErr
}

// LoadScriptFile reads and validates filename.
func (e *Engine) LoadScriptFile(filename string) error {
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", filename, err)
	}
	return e.LoadScript(string(content), filename)
}

// LoadScript compiles script to check its syntax and keeps it for Execute.
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: ErrorAPI, Message: "empty script", Source: name}
	}
	res := e.DoWithState(func(L *lua.State) any {
		if status := L.LoadString(script); status != 0 {
			luaErr := e.parseError(L, ErrorSyntax, name, nil)
			e.emit(SourceStderr, luaErr.Error()+"\n")
			return luaErr
		}
		L.Pop(1)
		return nil
	})
	if err, ok := res.(error); ok {
		return err
	}
	e.code, e.source = script, name
	return nil
}

// Execute runs the loaded script to completion.
func (e *Engine) Execute() error {
	if e.code == "" {
		return &LuaError{Type: ErrorAPI, Message: "no script loaded"}
	}
	start := time.Now()
	res := e.DoWithState(func(L *lua.State) any {
		if err := L.DoString(e.code); err != nil {
			luaErr := e.parseError(L, ErrorRuntime, e.source, err)
			e.emit(SourceStderr, luaErr.Error()+"\n")
			return luaErr
		}
		return nil
	})
	if res == nil && e.closed() {
		return &LuaError{Type: ErrorAPI, Message: "engine closed"}
	}

	log := e.logger.WithFields(logrus.Fields{"script": e.source, "elapsed": time.Since(start)})
	if err, ok := res.(error); ok {
		log.WithError(err).Debug("Lua script failed")
		return err
	}
	log.Debug("Lua script completed")
	return nil
}

func (e *Engine) closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == nil
}

// SetGlobal sets a scalar global.
func (e *Engine) SetGlobal(name string, value any) error {
	res := e.DoWithState(func(L *lua.State) any {
		if err := pushValue(L, value); err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
		L.SetGlobal(name)
		return nil
	})
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

// GetGlobal returns a global converted to Go, or nil.
func (e *Engine) GetGlobal(name string) any {
	return e.DoWithState(func(L *lua.State) any {
		L.GetGlobal(name)
		defer L.Pop(1)
		return toGo(L, -1)
	})
}

// Reset replaces the state with a fresh one.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrint(e.state)
	e.registerProtectedCall(e.state)
	e.code, e.source = "", ""
}

// Close releases the state. Output stays readable.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
