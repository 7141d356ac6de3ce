package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

func (s *Store) newEntry(kind EntryKind, runID, target string, payload any) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal journal payload: %w", err)
	}
	return &Entry{
		EntryID:    EntryID(uuid.NewString()),
		Kind:       kind,
		RunID:      runID,
		Target:     target,
		RecordedAt: s.now().UTC(),
		Payload:    data,
	}, nil
}

// AppendSubmission records a run request and its answer. runID is empty for
// a request still in flight; rejection is set when the server refused it.
func (s *Store) AppendSubmission(ctx context.Context, target, runID string, params map[string]any, rejection *runstatus.ResponseStatusError) (EntryID, error) {
	kind := EntrySubmitted
	var payload any = params
	switch {
	case rejection != nil:
		kind = EntryRejected
		payload = rejection
	case runID != "":
		kind = EntryAccepted
	}
	e, err := s.newEntry(kind, runID, target, payload)
	if err != nil {
		return "", err
	}
	if err := s.insert(ctx, e, ""); err != nil {
		return "", err
	}
	return e.EntryID, nil
}

// AppendUpdate records a run-status update together with what the console did
// with it.
func (s *Store) AppendUpdate(ctx context.Context, u runstatus.Update, outcome runstatus.Outcome) (EntryID, error) {
	e, err := s.newEntry(EntryUpdate, u.RunID, u.Name, u)
	if err != nil {
		return "", err
	}
	e.Outcome = outcome.String()
	if err := s.insert(ctx, e, u.Status); err != nil {
		return "", err
	}
	return e.EntryID, nil
}

// ObserveUpdate journals every update merged by the console. Failures are
// logged; the journal never blocks the console.
func (s *Store) ObserveUpdate(u runstatus.Update, outcome runstatus.Outcome, info runstatus.Info) {
	if u.Name == "" {
		u.Name = info.Target
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.AppendUpdate(ctx, u, outcome); err != nil {
		s.logger.Error("journal_append_failed", "run_id", u.RunID, "error", err)
	}
}

// ReadEntries returns journal entries in recording order.
func (s *Store) ReadEntries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.From.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.From.UTC())
	}

	query := "SELECT entry_id, kind, run_id, target, outcome, recorded_at, payload FROM journal"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at, rowid"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			kind    string
			payload string
		)
		if err := rows.Scan(&id, &kind, &e.RunID, &e.Target, &e.Outcome, &e.RecordedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.EntryID = EntryID(id)
		e.Kind = EntryKind(kind)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReadRun returns every entry of one run in recording order.
func (s *Store) ReadRun(ctx context.Context, runID string) ([]Entry, error) {
	return s.ReadEntries(ctx, EntryFilter{RunID: runID})
}

// ListRuns summarises the journaled runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.run_id,
		       MAX(j.target),
		       COUNT(*),
		       MIN(j.recorded_at),
		       MAX(j.recorded_at),
		       COALESCE((SELECT status FROM journal l
		                 WHERE l.run_id = j.run_id AND l.status != ''
		                 ORDER BY l.recorded_at DESC, l.rowid DESC LIMIT 1), '')
		FROM journal j
		WHERE j.run_id != ''
		GROUP BY j.run_id
		ORDER BY MAX(j.recorded_at) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r           RunSummary
			first, last string
		)
		if err := rows.Scan(&r.RunID, &r.Target, &r.Entries, &first, &last, &r.LastStatus); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		r.FirstSeen = parseTime(first)
		r.LastSeen = parseTime(last)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Replay feeds the journaled updates of runID through a fresh reconciler,
// using the recorded times as its clock, and returns the resulting status.
func (s *Store) Replay(ctx context.Context, runID string) (runstatus.Info, error) {
	entries, err := s.ReadEntries(ctx, EntryFilter{RunID: runID, Kinds: []EntryKind{EntryAccepted, EntryUpdate}})
	if err != nil {
		return runstatus.Info{}, err
	}
	if len(entries) == 0 {
		return runstatus.Info{}, fmt.Errorf("run %q not found in journal", runID)
	}

	clock := entries[0].RecordedAt
	r := runstatus.NewReconcilerWithClock(func() time.Time { return clock })
	for _, e := range entries {
		clock = e.RecordedAt
		switch e.Kind {
		case EntryAccepted:
			if r.Info().Phase == runstatus.PhaseIdle {
				r.Submit(e.Target)
			}
			r.Accept(e.RunID)
		case EntryUpdate:
			var u runstatus.Update
			if err := json.Unmarshal(e.Payload, &u); err != nil {
				return runstatus.Info{}, fmt.Errorf("entry %s: %w", e.EntryID, err)
			}
			r.Apply(u)
		}
	}
	return r.Info(), nil
}

// Aggregates come back from SQLite as text.
func parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
