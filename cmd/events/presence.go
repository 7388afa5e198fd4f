package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var presenceCmd = &cobra.Command{
	Use:     "presence",
	Short:   "Show nodes reporting presence heartbeats",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stale, _ := cmd.Flags().GetDuration("stale")
		nodes, err := eventClient.Presence(context.Background(), stale)
		if err != nil {
			return fmt.Errorf("fetching presence: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), nodes)
		}
		printPresenceTable(cmd.OutOrStdout(), nodes)
		return nil
	},
}

func init() {
	presenceCmd.Flags().Duration("stale", 0, "hide nodes idle longer than this (0 = show all)")
}
