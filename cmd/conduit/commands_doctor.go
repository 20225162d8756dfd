package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduitrun/conduit/internal/config"
)

// buildDoctorCmd exposes the conversation store's hash-chain verify
// operation as a standalone diagnostic, so an operator
// can confirm a conversation's hash chain hasn't been tampered with
// without going through the gateway.
func buildDoctorCmd() *cobra.Command {
	var configPath, userID, conversationID string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify a conversation's audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || conversationID == "" {
				return fmt.Errorf("--user and --conversation are required")
			}
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openStore(cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			result, err := store.VerifyChain(cmd.Context(), userID, conversationID)
			if err != nil {
				return fmt.Errorf("verify chain: %w", err)
			}
			if result.OK {
				fmt.Printf("ok: %d messages, tail hash %s\n", result.TotalNodes, result.TailHash)
				return nil
			}
			fmt.Printf("chain broken: %d messages, %d breaks\n", result.TotalNodes, len(result.Breaks))
			for _, b := range result.Breaks {
				fmt.Printf("  index %d: prevMatch=%v hashMatch=%v expected=%s actual=%s\n",
					b.Index, b.PrevMatch, b.HashMatch, b.ExpectedHash, b.ActualHash)
			}
			return fmt.Errorf("audit chain verification failed")
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	return cmd
}
