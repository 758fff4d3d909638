package harness

import (
	"errors"
	"fmt"

	"github.com/srg/blehil/pkg/transport"
)

// CapabilityKind tells which part of a module/command lookup failed
type CapabilityKind string

const (
	UnknownModule  CapabilityKind = "unknown_module"
	UnknownCommand CapabilityKind = "unknown_command"
)

// CapabilityError is returned when a test names a module or command the
// firmware does not expose. It is raised before anything is sent.
type CapabilityError struct {
	Kind    CapabilityKind
	Module  string
	Command string
}

func (e *CapabilityError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Module == "" && e.Command == "":
		return string(e.Kind)
	case e.Kind == UnknownCommand:
		return fmt.Sprintf("%s: module %q has no command %q", e.Kind, e.Module, e.Command)
	default:
		return fmt.Sprintf("%s: %q", e.Kind, e.Module)
	}
}

// Is allows errors.Is to compare CapabilityError values by Kind
func (e *CapabilityError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*CapabilityError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for capability lookups
var (
	ErrUnknownModule  = &CapabilityError{Kind: UnknownModule}
	ErrUnknownCommand = &CapabilityError{Kind: UnknownCommand}
)

// ErrUnknownField is returned by CommandResult.Field for names other than
// status, error and result.
var ErrUnknownField = errors.New("unknown response field")

// ErrMissingStatus is wrapped by the ParseError of a payload without status.
var ErrMissingStatus = errors.New("status missing from response payload")

// ParseError wraps a payload that is not the expected JSON object.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid response payload %q: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RetcodeMismatchError is a timeout during which the board did complete the
// command, but with another retcode than the one expected. It still matches
// transport.ErrTimeout.
type RetcodeMismatchError struct {
	Command  string
	Expected int
	Got      int
	Timeout  *transport.TimeoutError
}

func (e *RetcodeMismatchError) Error() string {
	return fmt.Sprintf("%q completed with retcode %d, expected %d", e.Command, e.Got, e.Expected)
}

func (e *RetcodeMismatchError) Unwrap() error {
	return e.Timeout
}

// Is makes errors.Is(err, transport.ErrTimeout) hold even without a wrapped
// TimeoutError.
func (e *RetcodeMismatchError) Is(target error) bool {
	return target == transport.ErrTimeout
}
