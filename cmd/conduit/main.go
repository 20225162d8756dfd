// Command conduit runs the two-stage chat orchestration core: a thin
// HTTP gateway in front of the Loop Driver, Tool Execution Pipeline,
// Context Assembler, Stream Fabric and the hash-chained audit store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduitrun/conduit/internal/profile"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit orchestrates tool-calling chat steps behind an auditable, resumable loop",
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildMigrateCmd())
	root.AddCommand(buildDoctorCmd())
	return root
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONDUIT_CONFIG"); env != "" {
		return env
	}
	return profile.DefaultConfigPath()
}
