package reports

import (
	"context"
	"io"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/store"
)

type ReportType string

const (
	ReportTypeRuns    ReportType = "runs"
	ReportTypeEntries ReportType = "entries"
)

type ReportParams struct {
	Start   time.Time
	End     time.Time
	Filters map[string]interface{}
}

// ReportStore defines the journal access required by reports.
type ReportStore interface {
	ReadEntries(ctx context.Context, filter store.EntryFilter) ([]store.Entry, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}

func inRange(ts time.Time, params ReportParams) bool {
	if !params.Start.IsZero() && ts.Before(params.Start) {
		return false
	}
	if !params.End.IsZero() && ts.After(params.End) {
		return false
	}
	return true
}
