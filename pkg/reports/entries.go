package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
	"github.com/qua-platform/qualibrate-console/pkg/store"
)

// EntriesReport generates CSV reports of raw journal entries.
type EntriesReport struct {
	store ReportStore
}

// NewEntriesReport creates a new EntriesReport generator.
func NewEntriesReport(s ReportStore) *EntriesReport {
	return &EntriesReport{store: s}
}

// Generate writes the journal entries recorded within the window in order.
// Filters: "run_id" (string), "kind" (string).
func (r *EntriesReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{"recorded_at", "run_id", "target", "kind", "outcome", "status", "active_node", "finished_nodes", "message"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	filter := store.EntryFilter{From: params.Start}
	if runID, ok := params.Filters["run_id"].(string); ok && runID != "" {
		filter.RunID = runID
	}
	if kind, ok := params.Filters["kind"].(string); ok && kind != "" {
		filter.Kinds = []store.EntryKind{store.EntryKind(kind)}
	}

	entries, err := r.store.ReadEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	for _, e := range entries {
		if !inRange(e.RecordedAt, params) {
			continue
		}
		row := []string{
			e.RecordedAt.Format(time.RFC3339Nano),
			e.RunID,
			e.Target,
			string(e.Kind),
			e.Outcome,
			"", "", "", "",
		}

		switch e.Kind {
		case store.EntryUpdate:
			var u runstatus.Update
			if err := json.Unmarshal(e.Payload, &u); err == nil {
				row[5] = u.Status
				row[6] = u.ActiveNode
				row[7] = fmt.Sprintf("%d", u.FinishedNodes)
				if u.Error != nil {
					row[8] = u.Error.Error()
				}
			}
		case store.EntryRejected:
			var rej runstatus.ResponseStatusError
			if err := json.Unmarshal(e.Payload, &rej); err == nil {
				row[8] = rej.Error()
			}
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
