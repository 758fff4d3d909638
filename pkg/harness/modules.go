package harness

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

//go:embed capabilities.yaml
var capabilitiesYAML []byte

// Module names known to ble-cliapp
const (
	ModuleBLE             = "ble"
	ModuleGap             = "gap"
	ModuleGattClient      = "gattClient"
	ModuleGattServer      = "gattServer"
	ModuleSecurityManager = "securityManager"
	ModuleAdvParams       = "advParams"
	ModuleAdvDataBuilder  = "advDataBuilder"
	ModuleScanParams      = "scanParams"
)

// Firmware constants used as command arguments
const (
	LegacyAdvertisingHandle = 0
	AdvDurationForever      = 0
	AdvMaxEventsUnlimited   = 0
)

// Capabilities maps each module to its commands, both in declaration order.
// It is never modified after parsing.
type Capabilities struct {
	modules *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, struct{}]]
}

// ParseCapabilities reads a YAML mapping of module name to command list.
func ParseCapabilities(data []byte) (*Capabilities, error) {
	raw := orderedmap.New[string, []string]()
	if err := yaml.Unmarshal(data, raw); err != nil {
		return nil, fmt.Errorf("parse capabilities: %w", err)
	}

	modules := orderedmap.New[string, *orderedmap.OrderedMap[string, struct{}]](raw.Len())
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == "" {
			return nil, fmt.Errorf("parse capabilities: empty module name")
		}
		commands := orderedmap.New[string, struct{}](len(pair.Value))
		for _, c := range pair.Value {
			if _, dup := commands.Set(c, struct{}{}); dup {
				return nil, fmt.Errorf("parse capabilities: duplicate command %s.%s", pair.Key, c)
			}
		}
		modules.Set(pair.Key, commands)
	}
	return &Capabilities{modules: modules}, nil
}

var defaultCapabilities = sync.OnceValue(func() *Capabilities {
	c, err := ParseCapabilities(capabilitiesYAML)
	if err != nil {
		panic(err)
	}
	return c
})

// DefaultCapabilities returns the ble-cliapp command table.
func DefaultCapabilities() *Capabilities {
	return defaultCapabilities()
}

// Modules lists module names in declaration order.
func (c *Capabilities) Modules() []string {
	names := make([]string, 0, c.modules.Len())
	for pair := c.modules.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Commands lists the commands of module in declaration order.
func (c *Capabilities) Commands(module string) ([]string, error) {
	commands, ok := c.modules.Get(module)
	if !ok {
		return nil, &CapabilityError{Kind: UnknownModule, Module: module}
	}
	names := make([]string, 0, commands.Len())
	for pair := commands.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names, nil
}

// Check returns a *CapabilityError unless module exposes command.
func (c *Capabilities) Check(module, command string) error {
	commands, ok := c.modules.Get(module)
	if !ok {
		return &CapabilityError{Kind: UnknownModule, Module: module, Command: command}
	}
	if _, ok := commands.Get(command); !ok {
		return &CapabilityError{Kind: UnknownCommand, Module: module, Command: command}
	}
	return nil
}

// Module is a device-bound view on one capability module.
type Module struct {
	dev  *Device
	name string
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Commands lists the commands of the module.
func (m *Module) Commands() []string {
	names, _ := m.dev.caps.Commands(m.name)
	return names
}

// Command returns a fresh template for command, or a *CapabilityError.
func (m *Module) Command(name string) (*Command, error) {
	if err := m.dev.caps.Check(m.name, name); err != nil {
		return nil, err
	}
	return &Command{dev: m.dev, module: m.name, name: name, retcode: DefaultRetcode}, nil
}

// Call resolves command and invokes it with the default settings.
func (m *Module) Call(ctx context.Context, command string, args ...any) (*CommandResult, error) {
	cmd, err := m.Command(command)
	if err != nil {
		return nil, err
	}
	return cmd.Call(ctx, args...)
}

// Command is an invocation template. WithRetcode and SetAsync change the
// template itself and return it for chaining.
type Command struct {
	dev     *Device
	module  string
	name    string
	retcode int
	async   bool
}

// Module returns the module name.
func (c *Command) Module() string { return c.module }

// Name returns the command name.
func (c *Command) Name() string { return c.name }

// WithRetcode sets the retcode the command must complete with.
func (c *Command) WithRetcode(retcode int) *Command {
	c.retcode = retcode
	return c
}

// SetAsync defers completion to the result's Await.
func (c *Command) SetAsync(async bool) *Command {
	c.async = async
	return c
}

// Invocation returns what Call would send for args.
func (c *Command) Invocation(args ...any) Invocation {
	return Invocation{
		Module:  c.module,
		Command: c.name,
		Args:    args,
		Retcode: c.retcode,
		Async:   c.async,
	}
}

// Call sends the command with args.
func (c *Command) Call(ctx context.Context, args ...any) (*CommandResult, error) {
	return c.dev.Invoke(ctx, c.Invocation(args...))
}
