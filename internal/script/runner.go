package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehil/pkg/harness"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrDuplicateRole is returned when a role is bound twice.
var ErrDuplicateRole = errors.New("role already bound")

var roleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Runner executes scenarios with devices bound to Lua globals:
//
//	local r = central:call("ble", "getVersion")      -- {command, retcode, status, error, result}
//	central:call_expect(-1, "ble", "shutdown")
//	local scan = central:async("gap", "startScan", 1000)
//	local done = scan:await()
//	local ev, text = central:event(500)              -- decoded event or nil after 500ms
//	sleep(100)
//
// Every device is also listed in the global "devices" table, in bind order.
type Runner struct {
	engine  *Engine
	logger  *logrus.Logger
	devices *orderedmap.OrderedMap[string, *harness.Device]
	ctx     context.Context
}

// NewRunner returns a runner with its own Lua engine.
func NewRunner(logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = noopLogger
	}
	return &Runner{
		engine:  NewEngine(logger),
		logger:  logger,
		devices: orderedmap.New[string, *harness.Device](),
		ctx:     context.Background(),
	}
}

// Engine returns the underlying engine.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// Bind exposes dev to scripts as the global role.
func (r *Runner) Bind(role string, dev *harness.Device) error {
	if !roleName.MatchString(role) {
		return fmt.Errorf("role %q is not a valid Lua identifier", role)
	}
	if _, exists := r.devices.Get(role); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, role)
	}
	r.devices.Set(role, dev)
	return nil
}

// Roles returns the bound roles in bind order.
func (r *Runner) Roles() []string {
	roles := make([]string, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		roles = append(roles, pair.Key)
	}
	return roles
}

// RunFile runs the scenario stored at path.
func (r *Runner) RunFile(ctx context.Context, path string, args map[string]string, stdout, stderr io.Writer) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return r.Run(ctx, string(content), path, args, stdout, stderr)
}

// Run executes script on a fresh Lua state. args are visible as the global
// table "arg". print() output goes to stdout, errors to stderr.
func (r *Runner) Run(ctx context.Context, script, name string, args map[string]string, stdout, stderr io.Writer) error {
	r.engine.Reset()
	r.ctx = ctx
	defer func() { r.ctx = context.Background() }()

	argTable := make(map[string]any, len(args))
	for k, v := range args {
		argTable[k] = v
	}
	if err := r.engine.SetGlobal("arg", argTable); err != nil {
		return err
	}
	r.engine.DoWithState(func(L *lua.State) any {
		r.registerGlobals(L)
		return nil
	})

	if err := r.engine.LoadScript(script, name); err != nil {
		return err
	}

	drainer := NewOutputDrainer(ctx, r.engine.Output(), r.logger, stdout, stderr)
	r.logger.WithFields(logrus.Fields{"script": name, "roles": r.Roles()}).Info("Running scenario")
	err := r.engine.Execute()
	drainer.Cancel()
	drainer.Wait()

	if err != nil {
		return fmt.Errorf("scenario %s failed: %w", name, err)
	}
	return nil
}

// Close releases the Lua state. Bound devices are left to their owner.
func (r *Runner) Close() {
	r.engine.Close()
}

func (r *Runner) registerGlobals(L *lua.State) {
	L.PushGoFunction(r.engine.SafeWrapGoFunction("sleep", func(L *lua.State) int {
		d := time.Duration(L.CheckInteger(1)) * time.Millisecond
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.ctx.Done():
			L.RaiseError("sleep: " + r.ctx.Err().Error())
		}
		return 0
	}))
	L.SetGlobal("sleep")

	L.CreateTable(0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		r.pushDevice(L, pair.Key, pair.Value)
		L.PushValue(-1)
		L.SetGlobal(pair.Key)
		L.SetField(-2, pair.Key)
	}
	L.SetGlobal("devices")
}

// firstArg skips self when a method is called with ':'.
func firstArg(L *lua.State) int {
	if L.IsTable(1) {
		return 2
	}
	return 1
}

func (r *Runner) pushMethod(L *lua.State, role, name string, fn lua.LuaGoFunction) {
	L.PushGoFunction(r.engine.SafeWrapGoFunction(role+":"+name, fn))
	L.SetField(-2, name)
}

// pushDevice pushes the table standing for dev.
func (r *Runner) pushDevice(L *lua.State, role string, dev *harness.Device) {
	L.CreateTable(0, 8)
	L.PushString(role)
	L.SetField(-2, "role")
	L.PushString(dev.Name())
	L.SetField(-2, "name")

	r.pushMethod(L, role, "call", func(L *lua.State) int {
		return r.invoke(L, dev, firstArg(L), harness.DefaultRetcode, false)
	})
	r.pushMethod(L, role, "call_expect", func(L *lua.State) int {
		i := firstArg(L)
		return r.invoke(L, dev, i+1, L.CheckInteger(i), false)
	})
	r.pushMethod(L, role, "async", func(L *lua.State) int {
		return r.invoke(L, dev, firstArg(L), harness.DefaultRetcode, true)
	})
	r.pushMethod(L, role, "async_expect", func(L *lua.State) int {
		i := firstArg(L)
		return r.invoke(L, dev, i+1, L.CheckInteger(i), true)
	})
	r.pushMethod(L, role, "event", func(L *lua.State) int {
		return r.event(L, dev, firstArg(L))
	})
	r.pushMethod(L, role, "flush", func(L *lua.State) int {
		i := firstArg(L)
		timeout := time.Duration(0)
		if L.IsNumber(i) {
			timeout = time.Duration(L.ToInteger(i)) * time.Millisecond
		}
		if _, err := dev.Flush(r.ctx, timeout); err != nil {
			L.RaiseError(fmt.Sprintf("%s:flush: %v", role, err))
		}
		return 0
	})
}

// invoke reads "module, command, args..." from the stack starting at from.
func (r *Runner) invoke(L *lua.State, dev *harness.Device, from, retcode int, async bool) int {
	module := L.CheckString(from)
	command := L.CheckString(from + 1)

	var args []any
	for i := from + 2; i <= L.GetTop(); i++ {
		arg, err := commandArg(L, i)
		if err != nil {
			L.RaiseError(fmt.Sprintf("%s %s: %v", module, command, err))
		}
		args = append(args, arg)
	}

	cmd, err := dev.Lookup(module, command)
	if err != nil {
		L.RaiseError(err.Error())
	}
	res, err := cmd.WithRetcode(retcode).SetAsync(async).Call(r.ctx, args...)
	if err != nil {
		L.RaiseError(err.Error())
	}

	if !async {
		r.pushResult(L, res)
		return 1
	}

	L.CreateTable(0, 2)
	L.PushString(res.Command())
	L.SetField(-2, "command")
	L.PushGoFunction(r.engine.SafeWrapGoFunction(res.Command()+":await", func(L *lua.State) int {
		r.pushResult(L, res)
		return 1
	}))
	L.SetField(-2, "await")
	return 1
}

// pushResult resolves res and pushes {command, retcode, status, error, result}.
func (r *Runner) pushResult(L *lua.State, res *harness.CommandResult) {
	parsed, err := res.Resolve(r.ctx)
	if err != nil {
		L.RaiseError(err.Error())
	}

	L.CreateTable(0, 5)
	L.PushString(res.Command())
	L.SetField(-2, "command")
	L.PushInteger(int64(res.Retcode()))
	L.SetField(-2, "retcode")
	L.PushInteger(int64(parsed.Status))
	L.SetField(-2, "status")
	if parsed.Error != nil {
		L.PushString(*parsed.Error)
		L.SetField(-2, "error")
	}
	if err := pushJSON(L, parsed.Result); err != nil {
		L.RaiseError(fmt.Sprintf("%s: result: %v", res.Command(), err))
	}
	L.SetField(-2, "result")
}

// event pops the next event: immediately, or waiting up to the given
// number of milliseconds. It returns the decoded event and its text, or nil.
func (r *Runner) event(L *lua.State, dev *harness.Device, at int) int {
	var (
		ev harness.Event
		ok bool
	)
	if L.IsNumber(at) {
		ctx, cancel := context.WithTimeout(r.ctx, time.Duration(L.ToInteger(at))*time.Millisecond)
		var err error
		ev, err = dev.Events().Pop(ctx)
		cancel()
		switch {
		case err == nil:
			ok = true
		case errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() == nil:
		default:
			L.RaiseError("event: " + err.Error())
		}
	} else {
		ev, ok = dev.Events().TryPop()
	}

	if !ok {
		L.PushNil()
		return 1
	}

	var decoded any
	if err := ev.Decode(&decoded); err != nil {
		L.PushString(ev.Text)
	} else if err := pushValue(L, decoded); err != nil {
		L.PushString(ev.Text)
	}
	L.PushString(ev.Text)
	return 2
}
