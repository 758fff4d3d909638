// Package transport provides the line-oriented serial link used to talk to a
// board running ble-cliapp: write one command line, then read cleaned text
// lines until an expected line shows up or a timeout elapses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultResponseTimeout bounds how long Send waits for the expected line.
	DefaultResponseTimeout = 30 * time.Second

	// DefaultResetDuration is the break length used to reset a board.
	DefaultResetDuration = 250 * time.Millisecond
)

// Transport errors
var (
	ErrTimeout          = errors.New("timeout")
	ErrClosed           = errors.New("transport closed")
	ErrBreakUnsupported = errors.New("port does not support break")
)

// TimeoutError is returned when the expected line was not observed in time.
// Lines holds everything that was read while waiting.
type TimeoutError struct {
	Search  string
	Timeout time.Duration
	Lines   []string
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("timeout after %s waiting for %q (%d lines read)", e.Timeout, e.Search, len(e.Lines))
}

// Is makes errors.Is(err, ErrTimeout) true for any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// SendOptions describes one command transmission.
type SendOptions struct {
	// Command is written as-is followed by a newline.
	Command string

	// ExpectedOutput, when set, makes Send read until a line equal to it arrives.
	// When empty, Send returns the lines queued after WaitBeforeRead.
	ExpectedOutput string

	// WaitBeforeRead is slept after writing and before reading.
	WaitBeforeRead time.Duration

	// WaitForResponse bounds the wait for ExpectedOutput (0 = DefaultResponseTimeout).
	WaitForResponse time.Duration

	// NoAssert turns a timeout into a (nil, nil) result instead of a TimeoutError.
	NoAssert bool

	// NoRead returns right after writing and leaves every queued line for a
	// later WaitForOutput. Deferred commands rely on it.
	NoRead bool
}

// Transport is the serial link contract the harness consumes.
type Transport interface {
	// Send writes a command line and optionally waits for an expected line.
	Send(ctx context.Context, opts SendOptions) ([]string, error)

	// WaitForOutput reads lines until one equals search.
	// With assert=false a timeout yields (nil, nil).
	WaitForOutput(ctx context.Context, search string, timeout time.Duration, assert bool) ([]string, error)

	// Flush waits for timeout and returns whatever lines were received.
	Flush(ctx context.Context, timeout time.Duration) ([]string, error)

	// Reset sends a break of the given duration to the board.
	Reset(duration time.Duration) error

	// Stop ends background reading.
	Stop() error

	// Close stops reading and closes the underlying port.
	Close() error
}

// matches reports whether a cleaned line is the awaited one.
func matches(line, search string) bool {
	return strings.TrimSpace(line) == strings.TrimSpace(search)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
