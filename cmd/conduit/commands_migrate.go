package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduitrun/conduit/internal/config"
	"github.com/conduitrun/conduit/internal/convstore/pg"
	"github.com/conduitrun/conduit/internal/convstore/sqlite"
)

// buildMigrateCmd applies the convstore schema (conversation_messages,
// tool_executions) to the configured database. Both backends migrate
// idempotently on open, so this command mainly exists to surface
// connection errors without starting the gateway.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the conversation store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openStore(cfg.Database)
			if err != nil {
				return fmt.Errorf("migrate store: %w", err)
			}
			defer store.Close()
			switch store.(type) {
			case *pg.Store:
				fmt.Println("migrated postgres conversation store")
			case *sqlite.Store:
				fmt.Println("migrated sqlite conversation store")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
