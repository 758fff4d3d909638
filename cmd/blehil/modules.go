package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blehil/pkg/harness"
)

// modulesCmd lists the capability table
var modulesCmd = &cobra.Command{
	Use:   "modules [module]",
	Short: "List the modules and commands ble-cliapp exposes",
	Long: `Lists the command table the harness validates calls against. With a module
name, only that module's commands are listed, one per line.

Examples:
  blehil modules
  blehil modules gap`,
	Args: cobra.MaximumNArgs(1),
	RunE: runModules,
}

func runModules(cmd *cobra.Command, args []string) error {
	caps := harness.DefaultCapabilities()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		commands, err := caps.Commands(args[0])
		if err != nil {
			return err
		}
		for _, name := range commands {
			fmt.Fprintln(out, name)
		}
		return nil
	}

	bold := color.New(color.Bold)
	for _, module := range caps.Modules() {
		commands, _ := caps.Commands(module)
		fmt.Fprintf(out, "%s (%d)\n", bold.Sprint(module), len(commands))
		fmt.Fprintf(out, "  %s\n", strings.Join(commands, " "))
	}
	return nil
}
