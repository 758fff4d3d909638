package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blehil/pkg/harness"
)

// execCmd runs one command on a board
var execCmd = &cobra.Command{
	Use:   "exec <module> <command> [args...]",
	Short: "Run one ble-cliapp command and print its response",
	Long: `Allocates a board, runs a single command and prints the decoded JSON
response. Events the board emitted meanwhile are printed after it.

The command must complete with --retcode (0 by default); any other retcode is
reported as an error.

Examples:
  blehil exec --port /dev/ttyACM0 ble getVersion
  blehil exec --port /dev/ttyACM0 --init gap startScan 1000
  blehil exec --board central --retcode=-1 ble shutdown`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var (
	execPort    string
	execBoard   string
	execBaud    int
	execRetcode int
	execInit    bool
	execWait    time.Duration
)

func init() {
	execCmd.Flags().StringVar(&execPort, "port", "", "Serial port of the board (e.g., /dev/ttyACM0)")
	execCmd.Flags().StringVar(&execBoard, "board", "", "Name of a board from the config file")
	execCmd.Flags().IntVar(&execBaud, "baud", 0, "Baud rate (default from config)")
	execCmd.Flags().IntVar(&execRetcode, "retcode", harness.DefaultRetcode, "Retcode the command must complete with")
	execCmd.Flags().BoolVar(&execInit, "init", false, "Run 'ble init' first and 'ble shutdown' afterwards")
	execCmd.Flags().DurationVar(&execWait, "events", 0, "Keep collecting events for this long after the response")
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err = selectBoard(cfg, execBoard, execPort, execBaud)
	if err != nil {
		return err
	}

	// Arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), logger)
	defer cancel()

	dev, release, err := openBoard(ctx, cfg, logger, execInit)
	if err != nil {
		return err
	}
	defer release()

	module, err := dev.Module(args[0])
	if err != nil {
		return err
	}
	command, err := module.Command(args[1])
	if err != nil {
		return err
	}

	callArgs := make([]any, 0, len(args)-2)
	for _, a := range args[2:] {
		callArgs = append(callArgs, a)
	}
	res, err := command.WithRetcode(execRetcode).Call(ctx, callArgs...)
	if err != nil {
		return err
	}
	parsed, err := res.Resolve(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := printResponse(out, res.Command(), res.Retcode(), parsed); err != nil {
		return err
	}

	if execWait > 0 {
		if _, err := dev.Flush(ctx, execWait); err != nil {
			return err
		}
	}
	printEvents(out, dev.Events())
	return nil
}

// printResponse writes the command line, a colored retcode and the indented
// payload.
func printResponse(w io.Writer, line string, retcode int, parsed *harness.Parsed) error {
	status := color.New(color.FgGreen)
	if parsed.Status < 0 {
		status = color.New(color.FgRed)
	}
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(line), status.Sprint(harness.CompletionMarker(retcode)))

	body, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Fprintln(w, string(body))
	return nil
}

// printEvents drains q and writes one line per event.
func printEvents(w io.Writer, q *harness.EventQueue) {
	prefix := color.New(color.FgCyan).Sprint(harness.EventPrefix)
	for _, ev := range q.Drain() {
		fmt.Fprintf(w, "%s%s\n", prefix, ev.Text)
	}
}
