// Command modcollect polls Modbus field devices on a schedule, decodes their
// register payloads and serves the results over a REST API.
//
// Usage:
//
//	modcollect serve --config ./modcollect.yaml
//	modcollect simulate --addr 127.0.0.1:5020
//	modcollect decode --field t:B32_FLOAT --hex "4b 3c 61 4e"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "modcollect",
		Short:         "Scheduled Modbus acquisition service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newDecodeCmd(),
	)
	return root
}
