package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blehil/pkg/harness"
)

// consolePoll is how often the console checks for new board output.
const consolePoll = 50 * time.Millisecond

// consoleCmd opens an interactive session with one board
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Send raw command lines to a board interactively",
	Long: `Allocates a board and reads command lines from the terminal. Each line is
sent as-is; output is printed until the board reports a retcode or --wait
elapses. Events are printed as they arrive. Type 'exit' or press Ctrl+D to
leave; the board console is restored on exit.

Examples:
  blehil console --port /dev/ttyACM0
  echo "ble getVersion" | blehil console --board central`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

var (
	consolePort  string
	consoleBoard string
	consoleBaud  int
	consoleWait  time.Duration
)

func init() {
	consoleCmd.Flags().StringVar(&consolePort, "port", "", "Serial port of the board (e.g., /dev/ttyACM0)")
	consoleCmd.Flags().StringVar(&consoleBoard, "board", "", "Name of a board from the config file")
	consoleCmd.Flags().IntVar(&consoleBaud, "baud", 0, "Baud rate (default from config)")
	consoleCmd.Flags().DurationVar(&consoleWait, "wait", 5*time.Second, "Longest wait for a command to report its retcode")
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err = selectBoard(cfg, consoleBoard, consolePort, consoleBaud)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), logger)
	defer cancel()

	dev, release, err := openBoard(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer release()

	editor := newLineEditor(cmd.InOrStdin(), cmd.OutOrStdout())
	defer editor.Close()
	out := editor.Writer()

	for {
		line, err := editor.GetLine("> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := consoleExchange(ctx, dev, out, line, consoleWait); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "%s %v\n", color.New(color.FgRed).Sprint("error:"), err)
		}
	}
}

// consoleExchange sends line and prints what the board answers until a
// retcode line shows up or wait elapses.
func consoleExchange(ctx context.Context, dev *harness.Device, w io.Writer, line string, wait time.Duration) error {
	deadline := time.Now().Add(wait)

	lines, err := dev.Send(ctx, line, "")
	for {
		if err != nil {
			return err
		}
		done := false
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if strings.HasPrefix(l, "retcode:") {
				done = true
			}
		}
		printEvents(w, dev.Events())
		if done || time.Now().After(deadline) {
			return nil
		}
		lines, err = dev.Flush(ctx, consolePoll)
	}
}
