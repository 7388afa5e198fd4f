package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventhub/internal/events"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/service"
	"github.com/alfredjeanlab/eventhub/internal/subject"
	"github.com/alfredjeanlab/eventhub/internal/ui"
)

var followCmd = &cobra.Command{
	Use:     "follow",
	Short:   "Print live events as they are published",
	GroupID: "events",
	Args:    cobra.NoArgs,
	Long: `Subscribe directly to the NATS bus and print matching events until
interrupted or --duration elapses. History is not replayed; use query or
the /events/sse endpoint for catch-up.`,
	// follow talks to NATS, not to the hub API.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Setup()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		pattern, _ := cmd.Flags().GetString("subject")
		if err := subject.ValidatePattern(pattern); err != nil {
			return fmt.Errorf("--subject: %w", err)
		}
		var corr uuid.UUID
		if s, _ := cmd.Flags().GetString("correlation-id"); s != "" {
			if corr, err = model.ParseCorrelationID(s); err != nil {
				return err
			}
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		stderr := cmd.ErrOrStderr()
		bus, err := events.NewNATSBus(natsURL,
			nats.Name("events-follow"),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				fmt.Fprintf(stderr, "%s disconnected from %s: %v\n", ui.RenderWarn("nats:"), natsURL, err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				fmt.Fprintf(stderr, "%s reconnected to %s, following %s\n", ui.RenderOK("nats:"), nc.ConnectedUrl(), pattern)
			}),
		)
		if err != nil {
			return err
		}
		defer bus.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(stderr, "%s %s on %s\n", ui.RenderMuted("following"), pattern, natsURL)
		if format == "table" {
			fmt.Fprintln(out, ui.RenderAccent(followHeader))
		}
		return followEvents(ctx, bus, pattern, corr, func(e *model.Event) error {
			if format == "json" {
				return printEventLine(out, e)
			}
			return printFollowRow(out, e)
		})
	},
}

const followHeader = "TIMESTAMP                SUBJECT  ORIGIN  CORRELATION  PAYLOAD"

func printFollowRow(w io.Writer, e *model.Event) error {
	_, err := fmt.Fprintln(w, strings.ReplaceAll(eventRow(e), "\t", "  "))
	return err
}

// followEvents subscribes to pattern and calls emit for each decoded event
// until ctx is done. Messages that are not event envelopes (presence beats,
// foreign publishers) are skipped. A nil corr matches every event.
func followEvents(ctx context.Context, sub events.Subscriber, pattern string, corr uuid.UUID, emit func(*model.Event) error) error {
	ch, cancel, err := sub.Subscribe(pattern)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := service.DecodeEnvelope(msg)
			if err != nil {
				slog.Debug("follow: skipping message", "subject", msg.Subject, "err", err)
				continue
			}
			if corr != uuid.Nil && e.CorrelationID != corr {
				continue
			}
			if err := emit(e); err != nil {
				return err
			}
		}
	}
}

func init() {
	followCmd.Flags().StringP("subject", "s", ">", "subject pattern (* matches one token, > the rest)")
	followCmd.Flags().String("correlation-id", "", "only events with this correlation id")
	followCmd.Flags().Duration("duration", 0, "stop after this long (0 = until interrupted)")
	followCmd.Flags().StringP("format", "f", "table", "output format (table or json)")
}
