// Package status renders instance status for terminals.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/aromcp/workflow-engine/internal/engine"
	"github.com/aromcp/workflow-engine/internal/types"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor bool
}

// FormatInstance renders one instance's status record with optional
// sub-agent roster and execution events.
func FormatInstance(rec engine.StatusRecord, subs []engine.SubAgentSummary, events []engine.Event, opts FormatOptions) string {
	var b strings.Builder

	icon := statusIcon(rec.Status)
	color := statusColor(rec.Status, opts.NoColor)
	reset := resetColor(opts.NoColor)

	b.WriteString(fmt.Sprintf("%s%s %s%s  workflow=%s\n", color, icon, rec.ID, reset, rec.Workflow))
	b.WriteString(fmt.Sprintf("  Status:   %s%s%s\n", color, rec.Status, reset))
	if rec.CurrentStepID != "" {
		b.WriteString(fmt.Sprintf("  Step:     %s\n", rec.CurrentStepID))
	}
	b.WriteString(fmt.Sprintf("  Started:  %s\n", formatTime(rec.CreatedAt)))
	if rec.Status.IsTerminal() {
		b.WriteString(fmt.Sprintf("  Duration: %s\n", formatDuration(rec.UpdatedAt.Sub(rec.CreatedAt))))
	} else {
		b.WriteString(fmt.Sprintf("  Running:  %s\n", formatDuration(time.Since(rec.CreatedAt))))
	}
	b.WriteString(formatMetrics(rec.Metrics))
	if rec.Error != nil {
		errColor := getColor("red", opts.NoColor)
		b.WriteString(fmt.Sprintf("  %sError:%s    [%s] %s\n", errColor, reset, rec.Error.Code, rec.Error.Message))
	}

	if len(subs) > 0 {
		b.WriteString("\n")
		b.WriteString(formatSubAgents(subs, opts))
	}
	if len(events) > 0 {
		b.WriteString("\n")
		b.WriteString(formatEvents(events, opts))
	}
	return b.String()
}

func formatMetrics(m engine.Metrics) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  Steps:    %d completed", m.StepsCompleted))
	if m.StepsFailed > 0 {
		b.WriteString(fmt.Sprintf(", %d failed", m.StepsFailed))
	}
	if m.LoopIterations > 0 {
		b.WriteString(fmt.Sprintf(", %d loop iterations", m.LoopIterations))
	}
	if m.SubAgentsRun > 0 {
		b.WriteString(fmt.Sprintf(", %d sub-agents", m.SubAgentsRun))
	}
	b.WriteString("\n")
	return b.String()
}

func formatSubAgents(subs []engine.SubAgentSummary, opts FormatOptions) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Sub-agents (%d):\n", len(subs)))
	for _, s := range subs {
		color := statusColor(s.Status, opts.NoColor)
		b.WriteString(fmt.Sprintf("  %s%s %s%s  item=%v\n",
			color, statusIcon(s.Status), s.TaskID, resetColor(opts.NoColor), s.Item))
		if s.Error != nil {
			b.WriteString(fmt.Sprintf("    [%s] %s\n", s.Error.Code, s.Error.Message))
		}
	}
	return b.String()
}

func formatEvents(events []engine.Event, opts FormatOptions) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Events (%d):\n", len(events)))
	for _, ev := range events {
		line := fmt.Sprintf("  %s %-14s", ev.Time.Format("15:04:05.000"), ev.Kind)
		if ev.StepID != "" {
			line += " " + ev.StepID
		}
		if ev.TaskID != "" {
			line += " [" + ev.TaskID + "]"
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		if ev.Kind == engine.EventWarning || ev.Kind == engine.EventStepFailed {
			line = getColor("yellow", opts.NoColor) + line + resetColor(opts.NoColor)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// FormatList renders one line per instance, most useful for scanning.
func FormatList(recs []engine.StatusRecord, opts FormatOptions) string {
	if len(recs) == 0 {
		return "no instances\n"
	}
	var b strings.Builder
	for _, rec := range recs {
		color := statusColor(rec.Status, opts.NoColor)
		b.WriteString(fmt.Sprintf("%s%s %s%s  %s  %s  %d steps\n",
			color, statusIcon(rec.Status), rec.ID, resetColor(opts.NoColor),
			rec.Workflow, rec.Status, rec.Metrics.StepsCompleted))
	}
	return b.String()
}

func statusIcon(s types.WorkflowStatus) string {
	switch s {
	case types.StatusCompleted:
		return "✓"
	case types.StatusFailed:
		return "✗"
	case types.StatusCancelled:
		return "⊘"
	case types.StatusPaused:
		return "⏸"
	case types.StatusWaitingForClient:
		return "◌"
	default:
		return "●"
	}
}

func statusColor(s types.WorkflowStatus, noColor bool) string {
	switch s {
	case types.StatusCompleted:
		return getColor("green", noColor)
	case types.StatusFailed:
		return getColor("red", noColor)
	case types.StatusCancelled, types.StatusPaused:
		return getColor("gray", noColor)
	case types.StatusWaitingForClient:
		return getColor("cyan", noColor)
	default:
		return getColor("yellow", noColor)
	}
}

func getColor(name string, noColor bool) string {
	if noColor {
		return ""
	}
	switch name {
	case "red":
		return "\033[31m"
	case "green":
		return "\033[32m"
	case "yellow":
		return "\033[33m"
	case "cyan":
		return "\033[36m"
	case "gray":
		return "\033[90m"
	default:
		return ""
	}
}

func resetColor(noColor bool) string {
	if noColor {
		return ""
	}
	return "\033[0m"
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
