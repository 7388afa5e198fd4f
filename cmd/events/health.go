package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventhub/internal/ui"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the event hub",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := eventClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), map[string]string{"status": status}); err != nil {
				return err
			}
		} else if status == "ok" {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", ui.RenderOK(status))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", ui.RenderError(status))
		}

		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}
