package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blehil",
	Short: "BLE hardware-in-the-loop harness for ble-cliapp boards",
	Long: `Drives boards running the ble-cliapp firmware over their serial console:

- List the modules and commands the firmware exposes
- Run a single command and print the decoded response
- Talk to a board interactively from a console
- Allocate boards to roles and run Lua test scenarios against them
- Simulate a board on a PTY for development without hardware

Boards are described in a YAML config file (see --config).`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "YAML config file describing boards and timeouts")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}} (commit %s, built %s)\n", commit, date))
}
