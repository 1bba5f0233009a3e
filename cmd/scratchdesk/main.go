// Command scratchdesk validates, compiles and simulates desk programs
// without starting the server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time using -ldflags.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "scratchdesk",
		Short:         "Scratch desk program tooling",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration (defaults only when empty)")

	root.AddCommand(
		newValidateCommand(),
		newCompileCommand(&configPath),
		newSimulateCommand(&configPath),
		newHashPINCommand(),
	)
	return root
}
