// Package simulator is an in-process stand-in for a board running ble-cliapp.
// It reads command lines, answers with a JSON payload line followed by a
// "retcode: N" line, and interleaves "<<<" event lines the way the firmware
// does. It can be served over any io.ReadWriter or over a virtual serial link.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehil/internal/groutine"
	"github.com/srg/blehil/internal/ptyio"
)

// Firmware status codes.
const (
	StatusBusy           = 2
	StatusContinue       = 1
	StatusSuccess        = 0
	StatusFail           = -1
	StatusInvalidParams  = -2
	StatusNotImplemented = -3
	StatusNotFound       = -5
)

const (
	eventPrefix = "<<< "
	lineBreak   = "\r\n"
	vt100Prompt = "\x1b[2K\r> "
	lineBacklog = 64
)

// Request is one parsed command line.
type Request struct {
	Line    string
	Module  string
	Command string
	Args    []string
}

// Reply is what a handler answers. Events are emitted before the payload,
// Delay is slept before anything is written.
type Reply struct {
	Status int
	Result any
	Error  any
	Events []any
	Delay  time.Duration
}

// Handler answers one command.
type Handler func(ctx context.Context, req Request) Reply

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger. If nil, a no-op logger is used.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBanner prints lines when serving starts, like a board booting.
func WithBanner(lines ...string) Option {
	return func(s *Simulator) {
		s.banner = lines
	}
}

// WithConsole sets the initial console state. A freshly booted board echoes
// input and does not print retcodes.
func WithConsole(echo, retcode bool) Option {
	return func(s *Simulator) {
		s.echo.Store(echo)
		s.retcode.Store(retcode)
	}
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Simulator is a fake ble-cliapp console.
type Simulator struct {
	name     string
	logger   *logrus.Logger
	handlers *hashmap.Map[string, Handler] // "module command" -> handler
	banner   []string

	echo        atomic.Bool
	retcode     atomic.Bool
	vt100       atomic.Bool
	initialized atomic.Bool

	writeMu sync.Mutex
	out     io.Writer

	received atomic.Int64
}

// New returns a simulator with the default handlers registered.
func New(name string, opts ...Option) *Simulator {
	s := &Simulator{
		name:     name,
		logger:   noopLogger,
		handlers: hashmap.New[string, Handler](),
	}
	s.echo.Store(true)
	s.vt100.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	s.registerDefaults()
	return s
}

func handlerKey(module, command string) string {
	return module + " " + command
}

// Handle registers h for module/command, replacing any previous handler.
func (s *Simulator) Handle(module, command string, h Handler) {
	s.handlers.Set(handlerKey(module, command), h)
}

// Initialized reports whether "ble init" ran since the last shutdown.
func (s *Simulator) Initialized() bool {
	return s.initialized.Load()
}

// Received returns the number of command lines handled so far.
func (s *Simulator) Received() int {
	return int(s.received.Load())
}

// Emit writes an event line. Strings are written verbatim, anything else is
// JSON encoded.
func (s *Simulator) Emit(event any) error {
	text, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return s.writeLines(eventPrefix + text)
}

func encodeEvent(event any) (string, error) {
	if text, ok := event.(string); ok {
		return text, nil
	}
	b, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(b), nil
}

func (s *Simulator) writeLines(lines ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return io.ErrClosedPipe
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteString(lineBreak)
	}
	_, err := s.out.Write(buf.Bytes())
	return err
}

func (s *Simulator) attach(out io.Writer) error {
	s.writeMu.Lock()
	s.out = out
	s.writeMu.Unlock()
	if len(s.banner) > 0 {
		return s.writeLines(s.banner...)
	}
	return nil
}

func (s *Simulator) detach() {
	s.writeMu.Lock()
	s.out = nil
	s.writeMu.Unlock()
}

// Serve answers commands read from rw until ctx is done or rw fails.
// Readers that return syscall.EAGAIN are polled.
func (s *Simulator) Serve(ctx context.Context, rw io.ReadWriter) error {
	if err := s.attach(rw); err != nil {
		return err
	}
	defer s.detach()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string, lineBacklog)
	readErr := make(chan error, 1)
	groutine.Go(ctx, "simulator-reader-"+s.name, func(ctx context.Context) {
		readErr <- s.readLoop(ctx, rw, lines)
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line := <-lines:
			s.execute(ctx, line)
		}
	}
}

func (s *Simulator) readLoop(ctx context.Context, r io.Reader, lines chan<- string) error {
	var sp splitter
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		for _, line := range sp.feed(buf[:n]) {
			select {
			case lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN):
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// ServePTY answers commands written to the slave side of link until ctx is done.
func (s *Simulator) ServePTY(ctx context.Context, link ptyio.Link) error {
	if err := s.attach(link); err != nil {
		return err
	}
	defer s.detach()

	lines := make(chan string, lineBacklog)
	var (
		mu sync.Mutex
		sp splitter
	)
	link.SetReadCallback(func(chunk []byte) {
		mu.Lock()
		out := sp.feed(chunk)
		mu.Unlock()
		for _, line := range out {
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	})
	defer link.SetReadCallback(nil)

	s.logger.WithFields(logrus.Fields{"board": s.name, "tty": link.TTYName()}).Info("Simulator serving")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			s.execute(ctx, line)
		}
	}
}

// execute runs one console line and writes its output.
func (s *Simulator) execute(ctx context.Context, line string) {
	s.received.Add(1)
	log := s.logger.WithFields(logrus.Fields{"board": s.name, "dir": "<--"})
	log.Debug(line)

	var out []string
	if s.echo.Load() {
		prompt := "> "
		if s.vt100.Load() {
			prompt = vt100Prompt
		}
		out = append(out, prompt+line)
	}

	if status, ok := s.console(line); ok {
		// the retcode switch answers in its new mode
		if s.retcode.Load() {
			out = append(out, fmt.Sprintf("retcode: %d", status))
		}
		s.flush(out...)
		return
	}

	req := parseRequest(line)
	reply := s.dispatch(ctx, req)
	if reply.Delay > 0 {
		s.flush(out...)
		out = nil
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return
		}
	}

	for _, ev := range reply.Events {
		text, err := encodeEvent(ev)
		if err != nil {
			log.Warnf("Dropping event: %v", err)
			continue
		}
		out = append(out, eventPrefix+text)
	}

	payload, err := json.Marshal(newPayload(req, reply))
	if err != nil {
		log.Warnf("Payload encoding failed: %v", err)
		reply.Status = StatusFail
		payload = []byte(fmt.Sprintf(`{"status": %d}`, StatusFail))
	}
	out = append(out, string(payload))
	if s.retcode.Load() {
		out = append(out, fmt.Sprintf("retcode: %d", reply.Status))
	}
	s.flush(out...)
}

func (s *Simulator) flush(lines ...string) {
	if len(lines) == 0 {
		return
	}
	if err := s.writeLines(lines...); err != nil {
		s.logger.WithField("board", s.name).Warnf("Write failed: %v", err)
	}
}

func (s *Simulator) dispatch(ctx context.Context, req Request) Reply {
	h, ok := s.handlers.Get(handlerKey(req.Module, req.Command))
	if !ok {
		return Reply{Status: StatusNotFound, Error: "command not found"}
	}
	return h(ctx, req)
}

// console handles the mbed CLI built-ins: echo and set.
func (s *Simulator) console(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	switch fields[0] {
	case "echo":
		if len(fields) != 2 {
			return StatusInvalidParams, true
		}
		on, ok := parseSwitch(fields[1])
		if !ok {
			return StatusInvalidParams, true
		}
		s.echo.Store(on)
		return StatusSuccess, true
	case "set":
		// accepts both "set --retcode true" and "set retcode false"
		if len(fields) != 3 {
			return StatusInvalidParams, true
		}
		on, ok := parseSwitch(fields[2])
		if !ok {
			return StatusInvalidParams, true
		}
		switch strings.TrimPrefix(fields[1], "--") {
		case "retcode":
			s.retcode.Store(on)
		case "vt100":
			s.vt100.Store(on)
		default:
			return StatusInvalidParams, true
		}
		return StatusSuccess, true
	}
	return 0, false
}

func parseSwitch(v string) (bool, bool) {
	switch v {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func parseRequest(line string) Request {
	fields := strings.Fields(line)
	req := Request{Line: line, Args: []string{}}
	if len(fields) > 0 {
		req.Module = fields[0]
	}
	if len(fields) > 1 {
		req.Command = fields[1]
	}
	if len(fields) > 2 {
		req.Args = fields[2:]
	}
	return req
}

// payload mirrors the firmware's response object. A negative status puts
// its message under "error", anything else under "result".
type payload struct {
	Name      string   `json:"name"`
	Arguments []string `json:"arguments"`
	Status    int      `json:"status"`
	Error     any      `json:"error,omitempty"`
	Result    any      `json:"result,omitempty"`
}

func newPayload(req Request, reply Reply) payload {
	p := payload{Name: req.Command, Arguments: req.Args, Status: reply.Status}
	if reply.Status < 0 {
		p.Error = reply.Error
		if p.Error == nil {
			p.Error = reply.Result
		}
	} else {
		p.Result = reply.Result
	}
	return p
}

// splitter cuts a byte stream into trimmed, non-empty lines.
type splitter struct {
	pending []byte
}

func (sp *splitter) feed(chunk []byte) []string {
	sp.pending = append(sp.pending, chunk...)
	var lines []string
	for {
		i := bytes.IndexAny(sp.pending, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(sp.pending[:i]))
		sp.pending = sp.pending[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(sp.pending) == 0 {
		sp.pending = nil
	}
	return lines
}
