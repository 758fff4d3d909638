package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehil/pkg/board"
	"github.com/srg/blehil/pkg/config"
	"github.com/srg/blehil/pkg/harness"
)

// cliRole names the device for single-board commands.
const cliRole = "cli"

// boardOpener opens the link to a board. Tests swap it for a PTY opener.
var boardOpener board.Opener = board.SerialOpener

// selectBoard narrows cfg to the board named by --port or --board. With
// neither, every configured board stays a candidate.
func selectBoard(cfg *config.Config, name, port string, baud int) (*config.Config, error) {
	narrowed := *cfg
	switch {
	case port != "" && name != "":
		return nil, ErrBoardSelection
	case port != "":
		narrowed.Boards = []config.Board{{Name: filepath.Base(port), Port: port, BaudRate: baud}}
	case name != "":
		b, ok := cfg.Board(name)
		if !ok {
			return nil, fmt.Errorf("%w: no board named %q in config", board.ErrNoBoardAvailable, name)
		}
		if baud > 0 {
			b.BaudRate = baud
		}
		narrowed.Boards = []config.Board{b}
	}
	return &narrowed, nil
}

// openBoard allocates one board for the CLI. The returned release restores
// its console and closes the link.
func openBoard(ctx context.Context, cfg *config.Config, logger *logrus.Logger, initialize bool) (*harness.Device, func(), error) {
	alloc := board.NewAllocator(cfg, boardOpener, logger)

	allocate := alloc.Allocate
	if initialize {
		allocate = alloc.AllocateInitialized
	}
	dev, err := allocate(ctx, cliRole)
	if err != nil {
		return nil, nil, err
	}

	release := func() {
		if err := alloc.Release(context.Background(), dev); err != nil {
			logger.WithError(err).Warn("Failed to release board")
		}
	}
	return dev, release, nil
}
