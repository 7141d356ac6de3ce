package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// RunsReport generates one CSV row per journaled run.
type RunsReport struct {
	store ReportStore
}

// NewRunsReport creates a new RunsReport generator.
func NewRunsReport(s ReportStore) *RunsReport {
	return &RunsReport{store: s}
}

// Generate lists the runs last seen within the requested window, most recent
// first. Filters: "target" (string), "limit" (int).
func (r *RunsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"run_id", "target", "last_status", "entries", "first_seen", "last_seen", "duration_s"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	limit := 0
	if l, ok := params.Filters["limit"].(int); ok && l > 0 {
		limit = l
	}
	target, _ := params.Filters["target"].(string)

	runs, err := r.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	for _, run := range runs {
		if !inRange(run.LastSeen, params) {
			continue
		}
		if target != "" && run.Target != target {
			continue
		}
		row := []string{
			run.RunID,
			run.Target,
			run.LastStatus,
			fmt.Sprintf("%d", run.Entries),
			run.FirstSeen.Format(time.RFC3339),
			run.LastSeen.Format(time.RFC3339),
			fmt.Sprintf("%.1f", run.LastSeen.Sub(run.FirstSeen).Seconds()),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}
	return buf, nil
}
