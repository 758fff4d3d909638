package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/blehil/internal/ptyio"
	"github.com/srg/blehil/internal/simulator"
)

// simulateCmd serves a simulated board on a PTY
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a simulated ble-cliapp board on a PTY",
	Long: `Creates a pseudoterminal and answers ble-cliapp commands written to it, so the
harness and scenarios can run without hardware. The PTY path is printed on
start; use it as a board port in the config file or with --port.

The simulated board boots with echo on and retcode printing off, like real
firmware, and runs until interrupted.

Examples:
  blehil simulate
  blehil simulate --name central --symlink /tmp/ble-central`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

var (
	simulateName    string
	simulateSymlink string
)

func init() {
	simulateCmd.Flags().StringVar(&simulateName, "name", "simulator", "Board name used in the boot banner and logs")
	simulateCmd.Flags().StringVar(&simulateSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-board)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	_, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext(cmd.Context(), logger)
	defer cancel()

	link, err := ptyio.Open(ptyio.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open PTY: %w", err)
	}
	defer func() {
		if err := link.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close PTY")
		}
	}()

	if simulateSymlink != "" {
		if err := os.Symlink(link.TTYName(), simulateSymlink); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", simulateSymlink, link.TTYName(), err)
		}
		// Remove the symlink before the PTY goes away
		defer func() {
			if err := os.Remove(simulateSymlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", simulateSymlink).Warn("Failed to remove tty symlink")
			}
		}()
	}

	sim := simulator.New(simulateName,
		simulator.WithLogger(logger),
		simulator.WithBanner("ble-cliapp "+simulateName, "Firmware "+simulator.DefaultVersion),
	)

	fmt.Fprintf(cmd.OutOrStdout(), "Simulated board %s on %s\n", simulateName, link.TTYName())
	if simulateSymlink != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Symlink: %s\n", simulateSymlink)
	}

	return sim.ServePTY(ctx, link)
}
