package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blehil/internal/script"
	"github.com/srg/blehil/pkg/board"
	"github.com/srg/blehil/pkg/harness"
	"golang.org/x/term"
)

// runCmd runs a Lua scenario
var runCmd = &cobra.Command{
	Use:   "run <script.lua>",
	Short: "Allocate boards to roles and run a Lua scenario",
	Long: `Allocates one configured board per role, initializes its BLE stack and runs
the script. Each board is a global named after its role:

  local r = central:call("gap", "startScan", 1000)
  local ev = central:event(2000)
  peripheral:call_expect(-1, "ble", "shutdown")

Values passed with --arg are available in the 'arg' table. When the scenario
fails, the recent wire traffic of every board is printed to stderr.

Examples:
  blehil run --config boards.yaml scan.lua
  blehil run --config boards.yaml --roles central,peripheral --arg peer=C0:FF:EE:00:00:01 connect.lua`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

var (
	runRoles   []string
	runArgs    map[string]string
	runNoInit  bool
	runTimeout time.Duration
)

func init() {
	runCmd.Flags().StringSliceVar(&runRoles, "roles", []string{"dut"}, "Roles to allocate boards for, bound as Lua globals")
	runCmd.Flags().StringToStringVar(&runArgs, "arg", nil, "Script argument as key=value (repeatable)")
	runCmd.Flags().BoolVar(&runNoInit, "no-init", false, "Skip 'ble init' on allocated boards")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the scenario after this long (0 = no limit)")
}

func runScenario(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if len(runRoles) == 0 {
		return ErrNoRoles
	}
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), logger)
	defer cancel()
	if runTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, runTimeout)
		defer stop()
	}

	alloc := board.NewAllocator(cfg, boardOpener, logger)
	defer func() {
		if err := alloc.ReleaseAll(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to release boards")
		}
	}()

	runner := script.NewRunner(logger)
	defer runner.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Preparing boards", "Allocating", "Running")
	if f, ok := cmd.ErrOrStderr().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		progress.Start()
	}
	defer progress.Stop()

	allocate := alloc.AllocateInitialized
	if runNoInit {
		allocate = alloc.Allocate
	}

	devices := make(map[string]*harness.Device, len(runRoles))
	for _, role := range runRoles {
		progress.SetPhase("Allocating " + role)
		dev, err := allocate(ctx, role)
		if err != nil {
			return err
		}
		devices[role] = dev
		if err := runner.Bind(role, dev); err != nil {
			return err
		}
	}
	progress.SetPhase("Running")

	err = runner.RunFile(ctx, args[0], runArgs, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		printTranscripts(cmd.ErrOrStderr(), runner.Roles(), devices)
	}
	return err
}

// printTranscripts dumps the recent wire traffic of each role.
func printTranscripts(w io.Writer, roles []string, devices map[string]*harness.Device) {
	for _, role := range roles {
		dev, ok := devices[role]
		if !ok {
			continue
		}
		entries := dev.Transcript()
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(w, "--- %s transcript (%d lines) ---\n", role, len(entries))
		fmt.Fprint(w, harness.FormatTranscript(entries))
	}
}
