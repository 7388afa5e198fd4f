package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventhub/internal/client"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/subject"
	"github.com/alfredjeanlab/eventhub/internal/timeparse"
)

// resolveTime parses a CLI time flag locally so a bad expression fails
// before any request is made. The empty string means no bound.
func resolveTime(flag, s string) (string, error) {
	t, ok, err := timeparse.Parse(s)
	if err != nil {
		return "", fmt.Errorf("--%s: %w", flag, err)
	}
	if !ok {
		return "", nil
	}
	return t.Format(time.RFC3339Nano), nil
}

// outputFormat reconciles --format with the global --json flag.
func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	if jsonOutput {
		format = "json"
	}
	switch format {
	case "table", "json":
		return format, nil
	default:
		return "", fmt.Errorf("--format: must be table or json, got %q", format)
	}
}

// buildQuery turns query/follow flags into a validated request.
func buildQuery(cmd *cobra.Command) (*client.QueryRequest, error) {
	subj, _ := cmd.Flags().GetString("subject")
	corr, _ := cmd.Flags().GetString("correlation-id")
	since, _ := cmd.Flags().GetString("since")

	if subj != "" {
		if err := subject.ValidatePattern(subj); err != nil {
			return nil, fmt.Errorf("--subject: %w", err)
		}
	}
	if corr != "" {
		if _, err := model.ParseCorrelationID(corr); err != nil {
			return nil, err
		}
	}
	req := &client.QueryRequest{Subject: subj, CorrelationID: corr}

	var err error
	if req.Since, err = resolveTime("since", since); err != nil {
		return nil, err
	}
	if cmd.Flags().Lookup("until") != nil {
		until, _ := cmd.Flags().GetString("until")
		if req.Until, err = resolveTime("until", until); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Lookup("limit") != nil {
		req.Limit, _ = cmd.Flags().GetInt("limit")
		if req.Limit < 0 {
			return nil, fmt.Errorf("--limit: must not be negative")
		}
	}
	return req, nil
}

var queryCmd = &cobra.Command{
	Use:     "query",
	Short:   "Query the event log",
	GroupID: "events",
	Args:    cobra.NoArgs,
	Example: `  events query --subject 'hub.*.task.>' --since 1h
  events query --correlation-id 3f0c... --format json
  events query --since yesterday --until "3 hours ago" --limit 500`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		req, err := buildQuery(cmd)
		if err != nil {
			return err
		}

		evts, err := eventClient.Query(context.Background(), req)
		if err != nil {
			return fmt.Errorf("querying events: %w", err)
		}

		if format == "json" {
			return printJSON(cmd.OutOrStdout(), evts)
		}
		printEventTable(cmd.OutOrStdout(), evts)
		return nil
	},
}

var traceCmd = &cobra.Command{
	Use:     "trace <correlation-id>",
	Short:   "Show every event sharing a correlation id as a timeline",
	GroupID: "events",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseCorrelationID(args[0])
		if err != nil {
			return err
		}
		evts, err := eventClient.Query(context.Background(), &client.QueryRequest{
			CorrelationID: id.String(),
			Limit:         model.MaxQueryLimit,
		})
		if err != nil {
			return fmt.Errorf("querying events: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), evts)
		}
		printTrace(cmd.OutOrStdout(), id.String(), evts)
		return nil
	},
}

// addQueryFlags registers the filter and output flags of query.
func addQueryFlags(c *cobra.Command) {
	c.Flags().StringP("subject", "s", "", "subject pattern (* matches one token, > the rest)")
	c.Flags().String("since", "", "lower time bound (1h, 7d, 2026-03-01T12:00:00Z, yesterday, 3 days ago)")
	c.Flags().String("until", "", "upper time bound, same forms as --since")
	c.Flags().String("correlation-id", "", "only events with this correlation id")
	c.Flags().IntP("limit", "n", 100, "maximum number of events")
	c.Flags().StringP("format", "f", "table", "output format (table or json)")
}

func init() {
	addQueryFlags(queryCmd)
}
