package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventhub/internal/ui"
)

// helpRule restyles one kind of match in cobra's plain help text. group
// selects the submatch to style; 0 styles the whole match.
type helpRule struct {
	re    *regexp.Regexp
	group int
	style func(string) string
}

var helpRules = []helpRule{
	// Section headers such as "Events:" or "Flags:".
	{regexp.MustCompile(`(?m)^([A-Z][^\n]*:)\s*$`), 1, ui.RenderAccent},
	// Command names: two-space indent, then the name, then the description.
	{regexp.MustCompile(`(?m)^  (\S+)  `), 1, ui.RenderCommand},
	// Flag value types: "--since string", "--limit int", "--duration duration".
	{regexp.MustCompile(`--?\S+\s+(string|int|duration|stringArray)\b`), 1, ui.RenderMuted},
	{regexp.MustCompile(`\(default "[^"]*"\)`), 0, ui.RenderMuted},
}

// colorizedHelpFunc renders cobra's usage through helpRules when the
// terminal takes color.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}
		orig := cmd.OutOrStdout()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(orig)
		fmt.Fprint(orig, colorizeHelpOutput(buf.String()))
	}
}

func colorizeHelpOutput(s string) string {
	for _, r := range helpRules {
		s = r.re.ReplaceAllStringFunc(s, func(match string) string {
			if r.group == 0 {
				return r.style(match)
			}
			loc := r.re.FindStringSubmatchIndex(match)
			if loc == nil {
				return match
			}
			start, end := loc[2*r.group], loc[2*r.group+1]
			return match[:start] + r.style(strings.TrimSpace(match[start:end])) + match[end:]
		})
	}
	return s
}
