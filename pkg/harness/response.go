package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Response field names accepted by CommandResult.Field
const (
	FieldStatus = "status"
	FieldError  = "error"
	FieldResult = "result"
)

// Parsed is the JSON payload ble-cliapp prints before the retcode line.
// Status is required; error and result are optional.
type Parsed struct {
	Status int             `json:"status"`
	Error  *string         `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// DecodeResult unmarshals the result value into v. A missing result leaves v
// untouched.
func (p *Parsed) DecodeResult(v any) error {
	if len(p.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Result, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// ErrorMessage returns the error text, or "" when the payload has none.
func (p *Parsed) ErrorMessage() string {
	if p.Error == nil {
		return ""
	}
	return *p.Error
}

// parsePayload drops the final (marker) line, concatenates the rest without
// separator and decodes it as one JSON object carrying a status.
func parsePayload(lines []string) (*Parsed, error) {
	body := lines
	if len(body) > 0 {
		body = body[:len(body)-1]
	}
	payload := strings.Join(body, "")

	var raw struct {
		Status *int            `json:"status"`
		Error  *string         `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, &ParseError{Payload: payload, Err: err}
	}
	// also covers a null document, which decodes without error
	if raw.Status == nil {
		return nil, &ParseError{Payload: payload, Err: ErrMissingStatus}
	}
	return &Parsed{Status: *raw.Status, Error: raw.Error, Result: raw.Result}, nil
}

// awaitFunc reads the rest of a deferred response.
type awaitFunc func(ctx context.Context) ([]string, error)

// CommandResult is the response to one command. Synchronous results hold
// their lines already; asynchronous ones read them on the first Await. The
// payload is parsed on first access and kept.
type CommandResult struct {
	line    string
	retcode int
	async   bool

	mu       sync.Mutex
	await    awaitFunc
	awaited  bool
	lines    []string
	awaitErr error

	resolved bool
	parsed   *Parsed
	parseErr error
}

func newSyncResult(line string, retcode int, lines []string) *CommandResult {
	return &CommandResult{line: line, retcode: retcode, lines: lines, awaited: true}
}

func newAsyncResult(line string, retcode int, await awaitFunc) *CommandResult {
	return &CommandResult{line: line, retcode: retcode, async: true, await: await}
}

// Command returns the line that was sent.
func (r *CommandResult) Command() string { return r.line }

// Retcode returns the retcode the command was expected to complete with.
func (r *CommandResult) Retcode() int { return r.retcode }

// Async reports whether completion was deferred.
func (r *CommandResult) Async() bool { return r.async }

// Await blocks until the completion marker of an asynchronous command was
// read, or the response timeout elapsed. It returns immediately for
// synchronous results and for results already awaited.
func (r *CommandResult) Await(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaitLocked(ctx)
}

func (r *CommandResult) awaitLocked(ctx context.Context) error {
	if r.awaited {
		return r.awaitErr
	}
	r.lines, r.awaitErr = r.await(ctx)
	r.awaited = true
	r.await = nil
	return r.awaitErr
}

// Lines returns the captured lines, events removed, marker included.
func (r *CommandResult) Lines(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.awaitLocked(ctx); err != nil {
		return nil, err
	}
	return r.lines, nil
}

// Resolve awaits the response and parses its payload. Both happen once;
// later calls return the same values.
func (r *CommandResult) Resolve(ctx context.Context) (*Parsed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return r.parsed, r.parseErr
	}
	if err := r.awaitLocked(ctx); err != nil {
		r.parseErr = err
	} else {
		r.parsed, r.parseErr = parsePayload(r.lines)
	}
	r.resolved = true
	return r.parsed, r.parseErr
}

// Status returns the status field.
func (r *CommandResult) Status(ctx context.Context) (int, error) {
	p, err := r.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	return p.Status, nil
}

// ErrorMessage returns the error field, nil when absent.
func (r *CommandResult) ErrorMessage(ctx context.Context) (*string, error) {
	p, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return p.Error, nil
}

// Result returns the raw result field, nil when absent.
func (r *CommandResult) Result(ctx context.Context) (json.RawMessage, error) {
	p, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return p.Result, nil
}

// Success reports whether status is 0.
func (r *CommandResult) Success(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

// Field looks a payload field up by name. The name is checked before any
// read happens. "result" is returned decoded (nil when absent).
func (r *CommandResult) Field(ctx context.Context, name string) (any, error) {
	switch name {
	case FieldStatus, FieldError, FieldResult:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}

	p, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	switch name {
	case FieldStatus:
		return p.Status, nil
	case FieldError:
		if p.Error == nil {
			return nil, nil
		}
		return *p.Error, nil
	default:
		var v any
		if err := p.DecodeResult(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// TestingT is the subset of testing.TB used by MustResolve.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// MustResolve resolves the result and fails the test on any error.
func (r *CommandResult) MustResolve(t TestingT) *Parsed {
	t.Helper()
	p, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("%s: %v", r.line, err)
		return nil
	}
	return p
}
