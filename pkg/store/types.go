package store

import (
	"encoding/json"
	"time"
)

// EntryKind identifies what a journal entry records.
type EntryKind string

const (
	EntrySubmitted EntryKind = "submitted"
	EntryAccepted  EntryKind = "accepted"
	EntryRejected  EntryKind = "rejected"
	EntryUpdate    EntryKind = "update"
)

// EntryID is a unique identifier for a journal entry.
type EntryID string

// Entry is one row of the run journal.
type Entry struct {
	EntryID    EntryID         `json:"entry_id"`
	Kind       EntryKind       `json:"kind"`
	RunID      string          `json:"run_id"`
	Target     string          `json:"target"`
	Outcome    string          `json:"outcome,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// RunSummary aggregates the journal entries of one run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Target     string    `json:"target"`
	Entries    int       `json:"entries"`
	LastStatus string    `json:"last_status"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// EntryFilter narrows ReadEntries.
type EntryFilter struct {
	RunID string
	Kinds []EntryKind
	From  time.Time
	Limit int
}
