package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"phishwatch/core"

	"github.com/fatih/color"
)

// renderAnalysis displays a threat analysis snapshot
func renderAnalysis(w io.Writer, a *core.ThreatAnalysis) {
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintf(w, "  Threat Analysis (run %s)\n", shortID(a.RunID))
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	printSection(w, "Summary")
	printField(w, "Generated", formatTime(a.GeneratedAt))
	printField(w, "Active Threats", fmt.Sprintf("%d", a.TotalThreats))
	printField(w, "New Today", fmt.Sprintf("%d", a.NewThreatsToday))
	printField(w, "Active Sources", fmt.Sprintf("%d", a.ActiveSources))
	if len(a.DegradedSources) > 0 {
		printField(w, "Degraded Sources", warningColor.Sprint(strings.Join(a.DegradedSources, ", ")))
	}
	fmt.Fprintln(w)

	printSection(w, "Threat Levels")
	for _, level := range []core.ThreatLevel{core.ThreatLevelHigh, core.ThreatLevelMedium, core.ThreatLevelLow} {
		printField(w, formatLevel(level), fmt.Sprintf("%d", a.ByThreatLevel[level]))
	}
	fmt.Fprintln(w)

	if len(a.TopThreatTypes) > 0 {
		printSection(w, "Top Threat Types")
		for _, tc := range a.TopThreatTypes {
			printField(w, string(tc.Type), fmt.Sprintf("%d", tc.Count))
		}
		fmt.Fprintln(w)
	}

	if len(a.RecentThreats) > 0 {
		printSection(w, "Recent Threats")
		renderIndicators(w, a.RecentThreats)
	}
}

// renderIndicators displays indicators in a formatted table
func renderIndicators(w io.Writer, indicators []*core.Indicator) {
	if len(indicators) == 0 {
		warningColor.Fprintln(w, "No active indicators")
		return
	}

	fmt.Fprintf(w, "%-45s %-8s %-10s %-6s %-8s %-18s %-12s\n",
		"Indicator", "Type", "Threat", "Conf", "Level", "Source", "Last Seen")
	fmt.Fprintln(w, strings.Repeat("-", 112))
	for _, ind := range indicators {
		fmt.Fprintf(w, "%-45s %-8s %-10s %-6d %-8s %-18s %-12s\n",
			truncate(ind.NormalizedIndicator, 44),
			ind.IndicatorType,
			ind.ThreatType,
			ind.Confidence,
			ind.ThreatLevel(),
			truncate(ind.Source, 17),
			formatTimeSince(ind.LastSeen))
	}
}

// renderRun displays one ingestion run with its per-provider outcomes
func renderRun(w io.Writer, run *core.IngestionRun) {
	printSection(w, "Ingestion Run")
	printField(w, "ID", run.ID)
	printField(w, "Trigger", string(run.Trigger))
	printField(w, "State", formatState(run.State))
	printField(w, "Started", formatTime(run.StartedAt))
	if !run.FinishedAt.IsZero() {
		printField(w, "Duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String())
	}
	printField(w, "Created", fmt.Sprintf("%d", run.Created))
	printField(w, "Merged", fmt.Sprintf("%d", run.Merged))
	printField(w, "Dropped", fmt.Sprintf("%d", run.Dropped))
	if run.Error != "" {
		printField(w, "Error", errorColor.Sprint(run.Error))
	}
	fmt.Fprintln(w)

	if len(run.Providers) == 0 {
		return
	}
	providers := append([]core.ProviderResult(nil), run.Providers...)
	sort.Slice(providers, func(i, j int) bool { return providers[i].Provider < providers[j].Provider })

	printSection(w, "Providers")
	for _, p := range providers {
		if p.Error != "" {
			printField(w, p.Provider, errorColor.Sprintf("failed after %s: %s", p.Duration.Round(time.Millisecond), p.Error))
			continue
		}
		printField(w, p.Provider, fmt.Sprintf("%d records in %s", p.Records, p.Duration.Round(time.Millisecond)))
	}
	fmt.Fprintln(w)
}

// renderRunsTable displays run history in a formatted table
func renderRunsTable(w io.Writer, runs []*core.IngestionRun) {
	if len(runs) == 0 {
		warningColor.Fprintln(w, "No ingestion runs recorded")
		return
	}

	headerColor.Fprintln(w, "INGESTION RUNS")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-10s %-9s %-10s %-20s %-10s %-8s %-8s %-8s %-9s\n",
		"ID", "Trigger", "State", "Started", "Duration", "Created", "Merged", "Dropped", "Failures")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, run := range runs {
		duration := "-"
		if !run.FinishedAt.IsZero() {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		failures := 0
		for _, p := range run.Providers {
			if p.Error != "" {
				failures++
			}
		}
		fmt.Fprintf(w, "%-10s %-9s %-10s %-20s %-10s %-8d %-8d %-8d %-9d\n",
			shortID(run.ID), run.Trigger, formatStatePlain(run.State), formatTime(run.StartedAt),
			duration, run.Created, run.Merged, run.Dropped, failures)
	}
	headerColor.Fprintln(w, strings.Repeat("=", 100))
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

// formatLevel returns a colored threat level
func formatLevel(level core.ThreatLevel) string {
	switch level {
	case core.ThreatLevelHigh:
		return color.New(color.FgRed).Sprint("high")
	case core.ThreatLevelMedium:
		return color.New(color.FgYellow).Sprint("medium")
	default:
		return color.New(color.FgGreen).Sprint("low")
	}
}

// formatState returns a colored run state
func formatState(state core.RunState) string {
	switch state {
	case core.RunStateCompleted:
		return color.New(color.FgGreen).Sprint(state)
	case core.RunStateFailed:
		return color.New(color.FgRed).Sprint(state)
	case core.RunStateRunning:
		return color.New(color.FgCyan).Sprint(state)
	default:
		return string(state)
	}
}

// formatStatePlain returns a run state without colors (for table alignment)
func formatStatePlain(state core.RunState) string {
	return string(state)
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
