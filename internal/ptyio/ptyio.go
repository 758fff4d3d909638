// Package ptyio opens a pseudo-terminal pair that stands in for a board's
// serial console. The master side is driven through two byte rings serviced
// by background loops; the slave path (TTYName) is what a harness opens as
// if it were a real serial port.
//
//	link, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//	link.SetReadCallback(func(chunk []byte) { ... }) // bytes written by the harness
//	_, _ = link.Write([]byte("retcode: 0\r\n"))      // bytes read by the harness
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blehil/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultBufferSize is the capacity of each ring when Options leaves it zero.
	DefaultBufferSize = 16 * 1024

	// DefaultPollTimeout bounds how long a loop waits in poll before it
	// rechecks for Close.
	DefaultPollTimeout = 50 * time.Millisecond

	chunkSize = 4096
)

// ErrorCallback receives the error that made a background loop exit.
type ErrorCallback func(err error)

// ReadCallback receives bytes written to the slave side. The slice is reused
// after the callback returns.
type ReadCallback func(chunk []byte)

// Options configures Open.
type Options struct {
	ReadCap     int // bytes buffered from the slave
	WriteCap    int // bytes buffered towards the slave
	Logger      *logrus.Logger
	OnError     ErrorCallback
	PollTimeout time.Duration
}

// Stats are instantaneous link counters.
type Stats struct {
	ReadQueued   int
	WriteQueued  int
	ReadTotal    uint64
	WriteTotal   uint64
	DroppedRead  uint64
	DroppedWrite uint64
}

// Link is the master side of a virtual serial console.
// Read and Write never block: Read returns syscall.EAGAIN when nothing is
// buffered, Write queues as much as fits and reports the count.
type Link interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringLink struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int
	onError     ErrorCallback
	errOnce     sync.Once

	readBuf  *ringbuffer.RingBuffer
	writeBuf *ringbuffer.RingBuffer

	readCb     atomic.Pointer[ReadCallback]
	readNotify chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	readTotal    atomic.Uint64
	writeTotal   atomic.Uint64
	droppedRead  atomic.Uint64
	droppedWrite atomic.Uint64
}

// Open creates the pair, puts the slave in raw mode and starts the loops.
func Open(opts Options) (Link, error) {
	master, slave, err := openPair()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	readCap, writeCap := opts.ReadCap, opts.WriteCap
	if readCap <= 0 {
		readCap = DefaultBufferSize
	}
	if writeCap <= 0 {
		writeCap = DefaultBufferSize
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &ringLink{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(poll / time.Millisecond),
		onError:     opts.OnError,
		readBuf:     ringbuffer.New(readCap),
		writeBuf:    ringbuffer.New(writeCap),
		readNotify:  make(chan struct{}, 1),
		cancel:      cancel,
	}

	l.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", l.readLoop)
	groutine.Go(ctx, "pty-write-loop", l.writeLoop)
	groutine.Go(ctx, "pty-dispatch", l.dispatch)

	logger.WithField("tty", l.ttyName).Debug("Virtual serial link opened")
	return l, nil
}

// OpenSlave opens a slave path the way a harness opens a serial port.
func OpenSlave(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func openPair() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		closeErr := errors.Join(master.Close(), slave.Close())
		if closeErr != nil {
			return nil, nil, fmt.Errorf("%s on %s: %w (cleanup: %v)", step, slave.Name(), err, closeErr)
		}
		return nil, nil, fmt.Errorf("%s on %s: %w", step, slave.Name(), err)
	}

	// no echo, no line discipline: the console behaves like a plain UART
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("non-blocking mode", err)
	}
	return master, slave, nil
}

func (l *ringLink) fatal(loop string, err error) {
	l.logger.WithField("tty", l.ttyName).Warnf("%s exiting on error: %v", loop, err)
	if l.onError != nil {
		l.errOnce.Do(func() { l.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (l *ringLink) poll(fds []unix.PollFd) int {
	n, err := unix.Poll(fds, l.pollTimeout)
	if err != nil && !errors.Is(err, syscall.EINTR) {
		l.logger.Debugf("poll: %v", err)
	}
	return n
}

func (l *ringLink) readLoop(ctx context.Context) {
	defer l.wg.Done()

	master := l.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for ctx.Err() == nil {
		if l.poll(fds) <= 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := l.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				l.logger.Warnf("read ring: %v", werr)
			}
			if written < n {
				l.droppedRead.Add(uint64(n - written))
				l.logger.Warnf("Read ring full: dropped %d of %d bytes", n-written, n)
			}
			l.readTotal.Add(uint64(written))
			if written > 0 {
				l.wake()
			}
		}

		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// every slave descriptor was closed; wait for the harness to reopen
			if sleep(ctx, time.Duration(l.pollTimeout)*time.Millisecond) != nil {
				return
			}
		default:
			l.fatal("read loop", err)
			return
		}
	}
}

func (l *ringLink) writeLoop(ctx context.Context) {
	defer l.wg.Done()

	master := l.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for ctx.Err() == nil {
		n, err := l.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			l.logger.Warnf("write ring: %v", err)
		}
		if n == 0 {
			if sleep(ctx, time.Millisecond*time.Duration(l.pollTimeout)/10) != nil {
				return
			}
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			off += w
			l.writeTotal.Add(uint64(w))

			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				l.poll(fds)
				if ctx.Err() != nil {
					return
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				l.fatal("write loop", err)
				return
			}
		}
	}
}

func (l *ringLink) wake() {
	select {
	case l.readNotify <- struct{}{}:
	default:
	}
}

// dispatch hands buffered slave bytes to the read callback, when one is set.
func (l *ringLink) dispatch(ctx context.Context) {
	defer l.wg.Done()

	chunk := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.readNotify:
		}

		for ctx.Err() == nil {
			cb := l.readCb.Load()
			if cb == nil {
				break
			}
			n, _ := l.readBuf.TryRead(chunk)
			if n == 0 {
				break
			}
			if !l.invoke(*cb, chunk[:n]) {
				break
			}
			runtime.Gosched()
		}
	}
}

// invoke runs cb and unregisters it if it panics.
func (l *ringLink) invoke(cb ReadCallback, chunk []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("read callback panicked: %v", r)
			l.readCb.Store(nil)
			if l.onError != nil {
				l.errOnce.Do(func() { l.onError(fmt.Errorf("read callback panic: %v", r)) })
			}
			ok = false
		}
	}()
	cb(chunk)
	return true
}

// SetReadCallback registers cb, or clears it when nil. Bytes already
// buffered are delivered to the new callback right away.
func (l *ringLink) SetReadCallback(cb ReadCallback) {
	if l.closed.Load() {
		return
	}
	if cb == nil {
		l.readCb.Store(nil)
		return
	}
	l.readCb.Store(&cb)
	l.wake()
}

// Write queues data for the slave side.
func (l *ringLink) Write(data []byte) (int, error) {
	if l.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := l.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		l.droppedWrite.Add(uint64(len(data) - n))
		l.logger.Warnf("Write ring full: dropped %d of %d bytes", len(data)-n, len(data))
	}
	return n, nil
}

// Read drains bytes the slave side produced.
func (l *ringLink) Read(b []byte) (int, error) {
	if l.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := l.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// Close stops the loops and closes both descriptors.
func (l *ringLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	err := errors.Join(l.master.Close(), l.slave.Close())

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		l.wg.Wait()
		close(done)
	})

	timeout := 3*time.Duration(l.pollTimeout)*time.Millisecond + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.WithField("tty", l.ttyName).Errorf("Link loops still running %v after close", timeout)
	}

	if err != nil {
		return fmt.Errorf("close %s: %w", l.ttyName, err)
	}
	return nil
}

func (l *ringLink) Stats() Stats {
	return Stats{
		ReadQueued:   l.readBuf.Length(),
		WriteQueued:  l.writeBuf.Length(),
		ReadTotal:    l.readTotal.Load(),
		WriteTotal:   l.writeTotal.Load(),
		DroppedRead:  l.droppedRead.Load(),
		DroppedWrite: l.droppedWrite.Load(),
	}
}

// TTYName returns the slave path, e.g. /dev/pts/5.
func (l *ringLink) TTYName() string {
	return l.ttyName
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
