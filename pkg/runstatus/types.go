package runstatus

import (
	"fmt"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/graph"
)

// Phase is the lifecycle state of the tracked run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSubmitted Phase = "submitted"
	PhaseRunning   Phase = "running"
	PhaseFinished  Phase = "finished"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further updates can change the run.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseError
}

// Status values carried by push updates and by the per-node side table.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusError    = "error"
)

// statusRank orders node statuses so merges never move a node backwards.
var statusRank = map[string]int{
	"":             0,
	StatusPending:  1,
	StatusRunning:  2,
	StatusFinished: 3,
	StatusError:    4,
}

// RunError is the structured failure reported by the server for a run.
type RunError struct {
	Kind      string   `json:"error_class"`
	Message   string   `json:"message"`
	Location  string   `json:"location,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

func (e *RunError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ResponseStatusError is a rejected submission.
type ResponseStatusError struct {
	NodeName string `json:"node_name"`
	Name     string `json:"name"`
	Message  string `json:"message"`
}

func (e *ResponseStatusError) Error() string {
	return fmt.Sprintf("submit %s rejected (%s): %s", e.NodeName, e.Name, e.Message)
}

// NodeUpdate reports the status of one node inside the running graph.
type NodeUpdate struct {
	Path   []graph.NodeKey `json:"path"`
	Status string          `json:"status"`
}

// Update is a single run-status tick received over the push channel or
// returned by /execution/last_run/.
type Update struct {
	RunID         string          `json:"run_id"`
	Seq           uint64          `json:"seq,omitempty"`
	Name          string          `json:"name,omitempty"`
	Status        string          `json:"status"`
	ActiveNode    string          `json:"active_node,omitempty"`
	ActivePath    []graph.NodeKey `json:"active_path,omitempty"`
	Percentage    float64         `json:"percentage"`
	FinishedNodes int             `json:"finished_nodes"`
	TotalNodes    int             `json:"total_nodes"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	Duration      *float64        `json:"run_duration,omitempty"`
	Error         *RunError       `json:"error,omitempty"`
	Nodes         []NodeUpdate    `json:"nodes,omitempty"`
}

// activePath returns the path of the active node, falling back to a single
// segment built from ActiveNode.
func (u *Update) activePath() []graph.NodeKey {
	if len(u.ActivePath) > 0 {
		return u.ActivePath
	}
	if u.ActiveNode != "" {
		return []graph.NodeKey{graph.NodeKey(u.ActiveNode)}
	}
	return nil
}

// Info is the displayed status of the tracked run.
type Info struct {
	RunID         string               `json:"run_id,omitempty"`
	Target        string               `json:"target,omitempty"`
	Phase         Phase                `json:"phase"`
	ActiveNode    string               `json:"active_node,omitempty"`
	ActivePath    []graph.NodeKey      `json:"active_path,omitempty"`
	SubmittedAt   time.Time            `json:"submitted_at,omitempty"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	FinishedAt    time.Time            `json:"finished_at,omitempty"`
	Duration      time.Duration        `json:"duration,omitempty"`
	Percentage    float64              `json:"percentage"`
	FinishedNodes int                  `json:"finished_nodes"`
	TotalNodes    int                  `json:"total_nodes"`
	Error         *RunError            `json:"error,omitempty"`
	SubmitError   *ResponseStatusError `json:"submit_error,omitempty"`
}

// Status maps the phase onto the aggregate pending|running|finished|error
// vocabulary used by the server.
func (i Info) Status() string {
	switch i.Phase {
	case PhaseRunning:
		return StatusRunning
	case PhaseFinished:
		return StatusFinished
	case PhaseError:
		return StatusError
	default:
		return StatusPending
	}
}

// Elapsed returns the run duration: fixed once terminal, otherwise measured
// from the start until now.
func (i Info) Elapsed(now time.Time) time.Duration {
	if i.Phase.Terminal() {
		return i.Duration
	}
	if i.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(i.StartedAt)
}
