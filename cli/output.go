package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/petal-labs/switchboard/catalog"
)

// newLogger builds the command logger from the global --verbose and --quiet
// flags and applies --no-color.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor {
		color.NoColor = true
	}

	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func isQuiet(cmd *cobra.Command) bool {
	quiet, _ := cmd.Flags().GetBool("quiet")
	return quiet
}

func statusText(status catalog.Status) string {
	switch status {
	case catalog.StatusReachable:
		return color.GreenString(string(status))
	case catalog.StatusUnreachable:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

func agentStatusText(status catalog.AgentStatus) string {
	switch status {
	case catalog.AgentIdle:
		return color.GreenString(string(status))
	case catalog.AgentBusy:
		return color.CyanString(string(status))
	default:
		return color.RedString(string(status))
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderServices(w io.Writer, entries []catalog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, color.YellowString("No services found"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"PROVIDER", "STATUS", "CAPABILITIES", "LATENCY", "LAST PROBED", "ERROR"})
	for _, entry := range entries {
		latency := ""
		if entry.LatencyMS > 0 {
			latency = (time.Duration(entry.LatencyMS) * time.Millisecond).String()
		}
		probed := ""
		if !entry.LastProbed.IsZero() {
			probed = entry.LastProbed.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{
			entry.ProviderID,
			statusText(entry.Status),
			strings.Join(entry.Capabilities, ", "),
			latency,
			probed,
			truncate(entry.Error, 60),
		})
	}
	t.Render()
}

func renderAgents(w io.Writer, agents []catalog.Agent) {
	if len(agents) == 0 {
		fmt.Fprintln(w, color.YellowString("No agents registered"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "NAME", "TYPE", "STATUS", "CAPABILITIES", "UPDATED"})
	for _, agent := range agents {
		t.AppendRow(table.Row{
			agent.ID,
			agent.Name,
			agent.Type,
			agentStatusText(agent.Status),
			strings.Join(agent.Capabilities, ", "),
			agent.UpdatedAt.Format(time.RFC3339),
		})
	}
	t.Render()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
