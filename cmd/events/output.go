package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/presence"
	"github.com/alfredjeanlab/eventhub/internal/ui"
)

const tableTimeFormat = "2006-01-02 15:04:05.000"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printEventLine writes one event as a single JSON line, for streams.
func printEventLine(w io.Writer, e *model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printEventTable(w io.Writer, evts []*model.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSUBJECT\tORIGIN\tCORRELATION\tPAYLOAD")
	for _, e := range evts {
		fmt.Fprintln(tw, eventRow(e))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d events\n", len(evts))
}

// eventRow renders one event as a tab-separated table row without the
// trailing newline.
func eventRow(e *model.Event) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s",
		e.Timestamp.UTC().Format(tableTimeFormat),
		e.Subject,
		originLabel(e.Origin),
		shortID(e.CorrelationID.String()),
		truncate(string(e.Payload), 60),
	)
}

func originLabel(o model.Origin) string {
	s := o.Service + "@" + o.NodeID
	if o.Actor != "" {
		s = o.Actor + " via " + s
	}
	if o.Via != "" {
		s += " [" + o.Via + "]"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// printTrace renders the events of one correlation id as a timeline. Each
// event is offset from the first, and events from a different origin than
// the previous one start a new indented block.
func printTrace(w io.Writer, corr string, evts []*model.Event) {
	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent("Trace"), corr)
	if len(evts) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("  (no events)"))
		return
	}
	start := evts[0].Timestamp
	depth := 0
	prev := ""
	for i, e := range evts {
		origin := originLabel(e.Origin)
		if i > 0 && origin != prev {
			depth++
		}
		prev = origin
		indent := strings.Repeat("  ", depth+1)
		fmt.Fprintf(w, "%s%s %s %s\n", indent,
			ui.RenderMuted(fmt.Sprintf("+%-9s", offset(e.Timestamp.Sub(start)))),
			ui.RenderCommand(e.Subject),
			ui.RenderMuted("("+origin+")"))
		fmt.Fprintf(w, "%s  %s\n", indent, truncate(string(e.Payload), 100))
	}
	fmt.Fprintf(w, "\n%d events over %s\n", len(evts), offset(evts[len(evts)-1].Timestamp.Sub(start)))
}

func offset(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return "0ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(time.Millisecond).String()
	}
}

func printPresenceTable(w io.Writer, nodes []presence.Entry) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, "no nodes reporting")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tINSTANCE\tSERVICE\tPROJECT\tLAST SEEN\tUPTIME\tSTATUS")
	for _, n := range nodes {
		status := ui.RenderOK("alive")
		if n.Reaped {
			status = ui.RenderError("dead")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\t%s\t%s\n",
			n.NodeID,
			n.InstanceID,
			n.Service,
			n.Project,
			(time.Duration(n.IdleSecs) * time.Second).String(),
			(time.Duration(n.UptimeSecs) * time.Second).String(),
			status,
		)
	}
	tw.Flush()
}
