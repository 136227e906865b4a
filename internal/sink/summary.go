package sink

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/me/stagerun/pkg/model"
)

const maxDescriptorWidth = 48

// PrintSummary writes a table of job durations followed by per-stage totals.
func PrintSummary(w io.Writer, runID string, records []model.Timing) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Run Summary ===")
	if runID != "" {
		fmt.Fprintf(w, "Run: %s\n", runID)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No jobs completed.")
		return
	}

	width := len("Job")
	for _, r := range records {
		if len(r.Descriptor) > width {
			width = len(r.Descriptor)
		}
	}
	if width > maxDescriptorWidth {
		width = maxDescriptorWidth
	}

	fmt.Fprintf(w, "%-*s  %12s  %8s  %s\n", width, "Job", "Duration", "Attempts", "External ID")
	fmt.Fprintln(w, strings.Repeat("-", width+40))

	var total time.Duration
	stages := make(map[string]time.Duration)
	var stageOrder []string
	for _, r := range records {
		desc := r.Descriptor
		if len(desc) > width {
			desc = desc[:width-3] + "..."
		}
		ext := r.ExternalID
		if ext == "" {
			ext = "-"
		}
		fmt.Fprintf(w, "%-*s  %12s  %8d  %s\n", width, desc, formatDuration(r.Duration), r.Attempts, ext)

		total += r.Duration
		if _, ok := stages[r.Stage]; !ok {
			stageOrder = append(stageOrder, r.Stage)
		}
		stages[r.Stage] += r.Duration
	}
	fmt.Fprintln(w, strings.Repeat("-", width+40))

	for _, stage := range stageOrder {
		fmt.Fprintf(w, "Stage %s: %s\n", stage, formatDuration(stages[stage]))
	}
	fmt.Fprintf(w, "Jobs: %d completed, total job time %s\n", len(records), formatDuration(total))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}
