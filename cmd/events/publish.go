package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventhub/internal/client"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/ui"
)

var publishCmd = &cobra.Command{
	Use:     "publish <subject> <json-payload>",
	Short:   "Publish an event",
	GroupID: "events",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		corr, _ := cmd.Flags().GetString("correlation-id")
		if corr != "" {
			if _, err := model.ParseCorrelationID(corr); err != nil {
				return err
			}
		}
		payload := json.RawMessage(args[1])
		if err := model.ValidatePayload(payload); err != nil {
			return err
		}

		resp, err := eventClient.Publish(context.Background(), &client.PublishRequest{
			Subject:       args[0],
			Payload:       payload,
			CorrelationID: corr,
			Actor:         actor,
		})
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Recorded() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s event %s recorded but not delivered live; do not republish\n",
				ui.RenderWarn("warning:"), apiErr.EventID)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", ui.RenderOK("published"), resp.EventID,
			ui.RenderMuted("correlation "+resp.CorrelationID))
		return nil
	},
}

func init() {
	publishCmd.Flags().String("correlation-id", "", "correlation id (UUID); the server mints one when empty")
}
