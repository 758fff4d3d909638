package main

import (
	"errors"
	"fmt"

	"github.com/srg/blehil/internal/script"
	"github.com/srg/blehil/pkg/board"
	"github.com/srg/blehil/pkg/harness"
	"github.com/srg/blehil/pkg/transport"
)

// Command-level errors
var (
	// ErrNoRoles is returned by run when --roles is empty.
	ErrNoRoles = errors.New("at least one role is required")

	// ErrBoardSelection is returned when both --port and --board are given.
	ErrBoardSelection = errors.New("--port and --board are mutually exclusive")
)

// FormatUserError turns errors from the harness into a message with a hint
// on what to do next.
func FormatUserError(err error) string {
	var (
		mismatch *harness.RetcodeMismatchError
		capErr   *harness.CapabilityError
		luaErr   *script.LuaError
	)
	switch {
	case errors.As(err, &mismatch):
		return fmt.Sprintf("%v (pass --retcode=%d if that is expected)", err, mismatch.Got)
	case errors.As(err, &capErr):
		return fmt.Sprintf("%v (run 'blehil modules' to list what the firmware supports)", err)
	case errors.Is(err, transport.ErrTimeout):
		return fmt.Sprintf("board did not answer in time: %v", err)
	case errors.Is(err, board.ErrNoBoardAvailable):
		return fmt.Sprintf("%v (describe boards in the --config file or pass --port)", err)
	case errors.As(err, &luaErr):
		return luaErr.Error()
	default:
		return err.Error()
	}
}
