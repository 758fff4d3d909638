// Package harness drives a board running ble-cliapp: it turns module/command
// calls into command lines, correlates each with its "retcode: N" completion
// line, splits unsolicited "<<<" events into a per-device queue and parses
// the JSON payload of every response on demand.
package harness

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehil/pkg/transport"
)

// noopLogger discards everything; shared by devices created without a logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithCommandDelay waits d before every transmission.
func WithCommandDelay(delay time.Duration) Option {
	return func(d *Device) { d.delay = delay }
}

// WithResponseTimeout bounds the wait for a completion line.
func WithResponseTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithCapabilities replaces the built-in command table.
func WithCapabilities(caps *Capabilities) Option {
	return func(d *Device) {
		if caps != nil {
			d.caps = caps
		}
	}
}

// WithEventQueue makes the device push its events into q.
func WithEventQueue(q *EventQueue) Option {
	return func(d *Device) {
		if q != nil {
			d.events = q
		}
	}
}

// WithEventBacklogWarning logs a warning whenever more than n events are
// waiting in the queue; 0 disables the warning.
func WithEventBacklogWarning(n int) Option {
	return func(d *Device) { d.backlogWarn = n }
}

// WithTranscriptSize sets how many wire lines are retained; 0 disables it.
func WithTranscriptSize(size uint32) Option {
	return func(d *Device) { d.transcript = newTranscript(size) }
}

// Device is a client for one board session.
type Device struct {
	name        string
	tr          transport.Transport
	events      *EventQueue
	caps        *Capabilities
	delay       time.Duration
	timeout     time.Duration
	logger      *logrus.Logger
	transcript  *transcript
	backlogWarn int
}

// NewDevice wraps tr. Every line read through the device is filtered for
// events first.
func NewDevice(name string, tr transport.Transport, opts ...Option) *Device {
	d := &Device{
		name:       name,
		tr:         tr,
		events:     NewEventQueue(),
		caps:       DefaultCapabilities(),
		timeout:    transport.DefaultResponseTimeout,
		logger:     noopLogger,
		transcript: newTranscript(DefaultTranscriptSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Events returns the device event queue.
func (d *Device) Events() *EventQueue { return d.events }

// Capabilities returns the command table used for lookups.
func (d *Device) Capabilities() *Capabilities { return d.caps }

// Transcript returns the most recent wire lines, oldest first.
func (d *Device) Transcript() []TranscriptEntry { return d.transcript.snapshot() }

// pace applies the inter-command delay.
func (d *Device) pace(ctx context.Context) error {
	if d.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// received records lines and moves events out of them. Lines carried by a
// TimeoutError are filtered as well so no event is lost on failure.
func (d *Device) received(lines []string, err error) ([]string, error) {
	d.transcript.record(DirReceived, lines...)
	lines = d.filter(lines)

	var te *transport.TimeoutError
	if errors.As(err, &te) {
		d.transcript.record(DirReceived, te.Lines...)
		te.Lines = d.filter(te.Lines)
	}
	return lines, err
}

// Push implements EventSink: events go to the device queue.
func (d *Device) Push(ev Event) {
	d.logger.WithFields(logrus.Fields{"device": d.name, "event": ev.Text}).Debug("Event received")
	d.events.Push(ev)
}

func (d *Device) filter(lines []string) []string {
	before := d.events.Len()
	out := FilterEvents(lines, d)
	after := d.events.Len()
	if n := after - before; n > 0 {
		d.logger.WithFields(logrus.Fields{"device": d.name, "events": n}).Debug("Events queued")
		if d.backlogWarn > 0 && after > d.backlogWarn {
			d.logger.WithFields(logrus.Fields{"device": d.name, "pending": after}).Warn("Event backlog is growing, nothing is consuming events")
		}
	}
	return out
}

// Send paces, writes line and returns the filtered lines read. An empty
// expected skips waiting for a specific line.
func (d *Device) Send(ctx context.Context, line, expected string) ([]string, error) {
	return d.send(ctx, transport.SendOptions{
		Command:         line,
		ExpectedOutput:  expected,
		WaitForResponse: d.timeout,
	})
}

func (d *Device) send(ctx context.Context, opts transport.SendOptions) ([]string, error) {
	if err := d.pace(ctx); err != nil {
		return nil, err
	}
	d.transcript.record(DirSent, opts.Command)
	return d.received(d.tr.Send(ctx, opts))
}

// Flush waits for timeout and returns the filtered lines received meanwhile.
func (d *Device) Flush(ctx context.Context, timeout time.Duration) ([]string, error) {
	return d.received(d.tr.Flush(ctx, timeout))
}

// WaitForOutput reads until search. With assert false a timeout yields nil,
// but events read while waiting are still queued.
func (d *Device) WaitForOutput(ctx context.Context, search string, timeout time.Duration, assert bool) ([]string, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	lines, err := d.received(d.tr.WaitForOutput(ctx, search, timeout, true))
	if !assert && errors.Is(err, transport.ErrTimeout) {
		return nil, nil
	}
	return lines, err
}

// Reset sends a break to the board.
func (d *Device) Reset(duration time.Duration) error {
	return d.tr.Reset(duration)
}

// Close stops and closes the transport.
func (d *Device) Close() error {
	return errors.Join(d.tr.Stop(), d.tr.Close())
}

// Command sends a complete command line and correlates it with
// "retcode: <retcode>". With async set the line is only written; the
// response is read by the first Await on the result.
func (d *Device) Command(ctx context.Context, line string, retcode int, async bool) (*CommandResult, error) {
	marker := CompletionMarker(retcode)
	log := d.logger.WithFields(logrus.Fields{"device": d.name, "command": line})

	if !async {
		lines, err := d.Send(ctx, line, marker)
		if err != nil {
			return nil, d.completionError(line, retcode, err)
		}
		log.Debug("Command completed")
		return newSyncResult(line, retcode, lines), nil
	}

	if _, err := d.send(ctx, transport.SendOptions{Command: line, NoRead: true}); err != nil {
		return nil, err
	}
	log.Debug("Command sent, completion deferred")

	return newAsyncResult(line, retcode, func(ctx context.Context) ([]string, error) {
		lines, err := d.WaitForOutput(ctx, marker, d.timeout, true)
		if err != nil {
			return nil, d.completionError(line, retcode, err)
		}
		log.Debug("Deferred command completed")
		return lines, nil
	}), nil
}

// Invoke sends inv.
func (d *Device) Invoke(ctx context.Context, inv Invocation) (*CommandResult, error) {
	return d.Command(ctx, inv.Line(), inv.Retcode, inv.Async)
}

// completionError turns a timeout into a RetcodeMismatchError when another
// retcode line was read while waiting.
func (d *Device) completionError(line string, expected int, err error) error {
	var te *transport.TimeoutError
	if !errors.As(err, &te) {
		return err
	}
	for i := len(te.Lines) - 1; i >= 0; i-- {
		if got, ok := parseRetcode(te.Lines[i]); ok && got != expected {
			d.logger.WithFields(logrus.Fields{
				"device":   d.name,
				"command":  line,
				"expected": expected,
				"got":      got,
			}).Warn("Unexpected retcode")
			return &RetcodeMismatchError{Command: line, Expected: expected, Got: got, Timeout: te}
		}
	}
	return err
}

// Module returns the named module, or a *CapabilityError.
func (d *Device) Module(name string) (*Module, error) {
	if _, err := d.caps.Commands(name); err != nil {
		return nil, err
	}
	return &Module{dev: d, name: name}, nil
}

// Lookup resolves module and command in one step.
func (d *Device) Lookup(module, command string) (*Command, error) {
	m, err := d.Module(module)
	if err != nil {
		return nil, err
	}
	return m.Command(command)
}

func (d *Device) mustModule(name string) *Module {
	m, err := d.Module(name)
	if err != nil {
		panic(err)
	}
	return m
}

// BLE returns the "ble" module. The typed accessors panic when a custom
// capability table lacks the module.
func (d *Device) BLE() *Module { return d.mustModule(ModuleBLE) }

// Gap returns the "gap" module.
func (d *Device) Gap() *Module { return d.mustModule(ModuleGap) }

// GattClient returns the "gattClient" module.
func (d *Device) GattClient() *Module { return d.mustModule(ModuleGattClient) }

// GattServer returns the "gattServer" module.
func (d *Device) GattServer() *Module { return d.mustModule(ModuleGattServer) }

// SecurityManager returns the "securityManager" module.
func (d *Device) SecurityManager() *Module { return d.mustModule(ModuleSecurityManager) }

// AdvParams returns the "advParams" module.
func (d *Device) AdvParams() *Module { return d.mustModule(ModuleAdvParams) }

// AdvDataBuilder returns the "advDataBuilder" module.
func (d *Device) AdvDataBuilder() *Module { return d.mustModule(ModuleAdvDataBuilder) }

// ScanParams returns the "scanParams" module.
func (d *Device) ScanParams() *Module { return d.mustModule(ModuleScanParams) }
