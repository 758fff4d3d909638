// Package board hands out configured boards to test roles, one live session
// per board, and puts the ble-cliapp console in the mode the harness expects.
package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehil/pkg/config"
	"github.com/srg/blehil/pkg/harness"
	"github.com/srg/blehil/pkg/transport"
)

// Allocation errors
var (
	ErrNoBoardAvailable = errors.New("no board available")
	ErrNotAllocated     = errors.New("device was not allocated by this allocator")
)

// Console commands sent around a session.
var (
	setupCommands   = []string{"set --retcode true", "echo off", "set --vt100 off"}
	restoreCommands = []string{"echo on", "set --vt100 on"}
)

// restoreLast turns retcode printing off, so nothing confirms it.
const restoreLast = "set retcode false"

// Opener opens the link to a board.
type Opener func(board config.Board, baudRate int, logger *logrus.Logger) (transport.Transport, error)

// SerialOpener opens the board's serial port.
func SerialOpener(board config.Board, baudRate int, logger *logrus.Logger) (transport.Transport, error) {
	return transport.OpenSerial(board.Name, transport.SerialOptions{Path: board.Port, BaudRate: baudRate}, logger)
}

// allocation is claimed before the board is opened, so its device is only
// set once setup succeeded.
type allocation struct {
	board       config.Board
	role        string
	device      atomic.Pointer[harness.Device]
	initialized atomic.Bool
}

// Allocator assigns configured boards to roles.
type Allocator struct {
	cfg    *config.Config
	opener Opener
	logger *logrus.Logger
	live   *hashmap.Map[string, *allocation] // board name -> session
}

// NewAllocator returns an allocator over cfg.Boards. A nil opener opens
// serial ports; a nil logger discards output.
func NewAllocator(cfg *config.Config, opener Opener, logger *logrus.Logger) *Allocator {
	if opener == nil {
		opener = SerialOpener
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Allocator{
		cfg:    cfg,
		opener: opener,
		logger: logger,
		live:   hashmap.New[string, *allocation](),
	}
}

// InUse returns the number of live sessions.
func (a *Allocator) InUse() int {
	return a.live.Len()
}

// Allocate claims the first free board, resets it, drops its pending output
// and configures the console for the harness. The returned device is named
// after role.
func (a *Allocator) Allocate(ctx context.Context, role string) (*harness.Device, error) {
	for _, b := range a.cfg.Boards {
		alloc := &allocation{board: b, role: role}
		if !a.live.Insert(b.Name, alloc) {
			continue
		}

		dev, err := a.open(ctx, b, role)
		if err != nil {
			a.live.Del(b.Name)
			return nil, fmt.Errorf("allocate %s for %s: %w", b.Name, role, err)
		}
		alloc.device.Store(dev)

		a.logger.WithFields(logrus.Fields{"board": b.Name, "role": role, "port": b.Port}).Info("Board allocated")
		return dev, nil
	}
	return nil, fmt.Errorf("%w for %s (%d configured, %d in use)", ErrNoBoardAvailable, role, len(a.cfg.Boards), a.live.Len())
}

func (a *Allocator) open(ctx context.Context, b config.Board, role string) (*harness.Device, error) {
	tr, err := a.opener(b, a.cfg.BoardBaudRate(b), a.logger)
	if err != nil {
		return nil, err
	}

	dev := harness.NewDevice(role, tr,
		harness.WithLogger(a.logger),
		harness.WithCommandDelay(a.cfg.CommandDelay),
		harness.WithResponseTimeout(a.cfg.ResponseTimeout),
		harness.WithTranscriptSize(a.cfg.TranscriptSize),
		harness.WithEventBacklogWarning(a.cfg.EventBacklogWarn),
	)

	fail := func(err error) (*harness.Device, error) {
		_ = dev.Close()
		return nil, err
	}

	if err := dev.Reset(a.cfg.ResetDuration); err != nil {
		if !errors.Is(err, transport.ErrBreakUnsupported) {
			return fail(err)
		}
		a.logger.WithField("board", b.Name).Debug("Port cannot send break, skipping reset")
	}
	if _, err := dev.Flush(ctx, a.cfg.FlushTimeout); err != nil {
		return fail(err)
	}

	marker := harness.CompletionMarker(0)
	for _, cmd := range setupCommands {
		if _, err := dev.Send(ctx, cmd, marker); err != nil {
			return fail(fmt.Errorf("console setup %q: %w", cmd, err))
		}
	}
	return dev, nil
}

// AllocateInitialized allocates a board and runs "ble init" on it. Release
// then shuts the stack down first.
func (a *Allocator) AllocateInitialized(ctx context.Context, role string) (*harness.Device, error) {
	dev, err := a.Allocate(ctx, role)
	if err != nil {
		return nil, err
	}
	if _, err := dev.BLE().Call(ctx, "init"); err != nil {
		return nil, errors.Join(fmt.Errorf("ble init on %s: %w", role, err), a.Release(ctx, dev))
	}
	if alloc := a.find(dev); alloc != nil {
		alloc.initialized.Store(true)
	}
	return dev, nil
}

func (a *Allocator) find(dev *harness.Device) *allocation {
	if dev == nil {
		return nil
	}
	var found *allocation
	a.live.Range(func(_ string, alloc *allocation) bool {
		if alloc.device.Load() == dev {
			found = alloc
			return false
		}
		return true
	})
	return found
}

// Release restores the console, closes the link and frees the board. The
// board is freed even when restoring fails.
func (a *Allocator) Release(ctx context.Context, dev *harness.Device) error {
	alloc := a.find(dev)
	if alloc == nil {
		return ErrNotAllocated
	}
	defer a.live.Del(alloc.board.Name)

	var errs []error
	if alloc.initialized.Load() {
		if _, err := dev.BLE().Call(ctx, "shutdown"); err != nil {
			errs = append(errs, fmt.Errorf("ble shutdown: %w", err))
		}
	}

	marker := harness.CompletionMarker(0)
	for _, cmd := range restoreCommands {
		if _, err := dev.Send(ctx, cmd, marker); err != nil {
			errs = append(errs, fmt.Errorf("console restore %q: %w", cmd, err))
		}
	}
	if _, err := dev.Send(ctx, restoreLast, ""); err != nil {
		errs = append(errs, fmt.Errorf("console restore %q: %w", restoreLast, err))
	}
	if err := dev.Close(); err != nil {
		errs = append(errs, err)
	}

	a.logger.WithFields(logrus.Fields{"board": alloc.board.Name, "role": alloc.role}).Info("Board released")
	return errors.Join(errs...)
}

// ReleaseAll releases every live session.
func (a *Allocator) ReleaseAll(ctx context.Context) error {
	var devices []*harness.Device
	a.live.Range(func(_ string, alloc *allocation) bool {
		if dev := alloc.device.Load(); dev != nil {
			devices = append(devices, dev)
		}
		return true
	})

	var errs []error
	for _, dev := range devices {
		if err := a.Release(ctx, dev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.Name(), err))
		}
	}
	return errors.Join(errs...)
}
