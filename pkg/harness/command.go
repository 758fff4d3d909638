package harness

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultRetcode is the retcode a command is expected to complete with.
const DefaultRetcode = 0

// retcodePrefix starts the line ble-cliapp prints once a command completes.
const retcodePrefix = "retcode: "

// Invocation is one command sent to the board.
type Invocation struct {
	Module  string
	Command string
	Args    []any
	Retcode int
	Async   bool
}

// Line renders the invocation as the single line written to the board.
func (inv Invocation) Line() string {
	return FormatCommand(inv.Module, inv.Command, inv.Args...)
}

// SerializeArg renders one argument the way ble-cliapp parses it: booleans as
// lowercase literals, everything else in its default text form.
func SerializeArg(arg any) string {
	switch v := arg.(type) {
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// FormatCommand builds "<module> <command> <args...>". Without args there is
// no trailing space.
func FormatCommand(module, command string, args ...any) string {
	var b strings.Builder
	b.WriteString(module)
	b.WriteByte(' ')
	b.WriteString(command)
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(SerializeArg(arg))
	}
	return b.String()
}

// CompletionMarker is the line that ends a command completing with retcode.
func CompletionMarker(retcode int) string {
	return retcodePrefix + strconv.Itoa(retcode)
}

// parseRetcode extracts N from a "retcode: N" line.
func parseRetcode(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), retcodePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}
