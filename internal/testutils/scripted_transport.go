package testutils

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/srg/blehil/pkg/transport"
)

// Exchange is the canned reaction of a fake board to one command line.
type Exchange struct {
	Lines []string      // printed in response, in order
	Delay time.Duration // before the first line becomes readable
}

type pendingLine struct {
	text  string
	ready time.Time
}

// ScriptedTransport is a transport.Transport that answers commands from a
// table instead of a serial port. Commands without an entry get no answer,
// which makes waits on them time out.
type ScriptedTransport struct {
	mu        sync.Mutex
	responses map[string]Exchange
	pending   []pendingLine
	sent      []string
	reads     int
	resets    []time.Duration
	stopped   bool
	closed    bool
}

// NewScriptedTransport returns a transport with no canned responses.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{responses: make(map[string]Exchange)}
}

// On makes command answer with lines as soon as it is written.
func (s *ScriptedTransport) On(command string, lines ...string) *ScriptedTransport {
	return s.OnDelayed(command, 0, lines...)
}

// OnDelayed makes command answer with lines once delay has passed.
func (s *ScriptedTransport) OnDelayed(command string, delay time.Duration, lines ...string) *ScriptedTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[command] = Exchange{Lines: lines, Delay: delay}
	return s
}

// Emit queues unsolicited lines, readable immediately.
func (s *ScriptedTransport) Emit(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, l := range lines {
		s.pending = append(s.pending, pendingLine{text: l, ready: now})
	}
}

// Sent returns every command line written so far.
func (s *ScriptedTransport) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Reads counts the calls that consumed lines (Send with a read, WaitForOutput
// and Flush).
func (s *ScriptedTransport) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Resets returns the durations passed to Reset.
func (s *ScriptedTransport) Resets() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.resets...)
}

// Closed reports whether Close was called.
func (s *ScriptedTransport) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stopped reports whether Stop was called.
func (s *ScriptedTransport) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Send implements transport.Transport.
func (s *ScriptedTransport) Send(ctx context.Context, opts transport.SendOptions) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrClosed
	}
	s.sent = append(s.sent, opts.Command)
	if ex, ok := s.responses[opts.Command]; ok {
		ready := time.Now().Add(ex.Delay)
		for _, l := range ex.Lines {
			s.pending = append(s.pending, pendingLine{text: l, ready: ready})
		}
	}
	s.mu.Unlock()

	if opts.NoRead {
		return nil, nil
	}
	if opts.ExpectedOutput == "" {
		return s.Flush(ctx, opts.WaitBeforeRead)
	}
	if err := sleep(ctx, opts.WaitBeforeRead); err != nil {
		return nil, err
	}
	timeout := opts.WaitForResponse
	if timeout <= 0 {
		timeout = transport.DefaultResponseTimeout
	}
	return s.WaitForOutput(ctx, opts.ExpectedOutput, timeout, !opts.NoAssert)
}

// WaitForOutput implements transport.Transport.
func (s *ScriptedTransport) WaitForOutput(ctx context.Context, search string, timeout time.Duration, assert bool) ([]string, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var collected []string
	for {
		s.mu.Lock()
		now := time.Now()
		for len(s.pending) > 0 && !s.pending[0].ready.After(now) {
			line := s.pending[0].text
			s.pending = s.pending[1:]
			collected = append(collected, line)
			if strings.TrimSpace(line) == strings.TrimSpace(search) {
				s.mu.Unlock()
				return collected, nil
			}
		}
		wake := deadline
		if len(s.pending) > 0 && s.pending[0].ready.Before(deadline) {
			wake = s.pending[0].ready
		}
		s.mu.Unlock()

		if !now.Before(deadline) {
			if !assert {
				s.requeue(collected, now)
				return nil, nil
			}
			return nil, &transport.TimeoutError{Search: search, Timeout: timeout, Lines: collected}
		}
		if err := sleep(ctx, time.Until(wake)); err != nil {
			return collected, err
		}
	}
}

// requeue puts lines a timed-out wait consumed back in front, like LineDevice.
func (s *ScriptedTransport) requeue(lines []string, now time.Time) {
	if len(lines) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	back := make([]pendingLine, 0, len(lines)+len(s.pending))
	for _, l := range lines {
		back = append(back, pendingLine{text: l, ready: now})
	}
	s.pending = append(back, s.pending...)
}

// Flush implements transport.Transport.
func (s *ScriptedTransport) Flush(ctx context.Context, timeout time.Duration) ([]string, error) {
	if err := sleep(ctx, timeout); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	now := time.Now()
	var lines []string
	for len(s.pending) > 0 && !s.pending[0].ready.After(now) {
		lines = append(lines, s.pending[0].text)
		s.pending = s.pending[1:]
	}
	return lines, nil
}

// Reset implements transport.Transport.
func (s *ScriptedTransport) Reset(duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, duration)
	return nil
}

// Stop implements transport.Transport.
func (s *ScriptedTransport) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Close implements transport.Transport.
func (s *ScriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
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

var _ transport.Transport = (*ScriptedTransport)(nil)
