package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmitRequest is the body of a node or workflow run request.
type SubmitRequest struct {
	// Name is the node or workflow to run.
	Name string `json:"name"`
	// Parameters are the coerced effective values.
	Parameters map[string]any `json:"parameters"`
}

// SubmitResult is the server's answer to an accepted run request.
type SubmitResult struct {
	// JobID identifies the run; push updates carry it as run_id.
	JobID string `json:"jobId"`
	// Status is the initial run status reported by the server.
	Status string `json:"status"`
}

// UnmarshalJSON accepts numeric and string job ids.
func (r *SubmitResult) UnmarshalJSON(data []byte) error {
	var aux struct {
		JobID  json.RawMessage `json:"jobId"`
		RunID  json.RawMessage `json:"run_id"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Status = aux.Status
	id := aux.JobID
	if len(id) == 0 {
		id = aux.RunID
	}
	if len(id) == 0 || string(id) == "null" {
		r.JobID = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		r.JobID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(id, &n); err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	r.JobID = n.String()
	return nil
}

// Project is an entry of the project listing.
type Project struct {
	Name           string     `json:"name"`
	NodesNumber    int        `json:"nodes_number,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
}

// Snapshot is a stored run result.
type Snapshot struct {
	ID       int             `json:"id"`
	Created  time.Time       `json:"created_at"`
	Parents  []int           `json:"parents,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Diff is one changed value between two snapshots.
type Diff struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// HTTPError is returned for unexpected response codes.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}
