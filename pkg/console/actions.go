package console

import (
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// Action is a state transition applied by Store.Dispatch.
type Action interface {
	ActionName() string
}

// GraphsLoaded carries the result of GET /execution/get_graphs. Graphs that
// parsed are kept even when Err reports failures for others.
type GraphsLoaded struct {
	Graphs map[string]*graph.WorkflowGraph
	Err    error
}

// NodesLoaded carries the runnable standalone nodes.
type NodesLoaded struct {
	Nodes map[string]*graph.GraphNode
	Err   error
}

// ProjectsLoaded carries the project listing and the active project.
type ProjectsLoaded struct {
	Projects []string
	Active   string
}

// SelectWorkflow switches the displayed workflow. An empty name clears it.
type SelectWorkflow struct {
	Name string
}

// SelectNode focuses a node of the current level, or a standalone node when
// no workflow is selected.
type SelectNode struct {
	Key graph.NodeKey
}

// EnterSubgraph drills into the container node Key of the current level.
type EnterSubgraph struct {
	Key graph.NodeKey
}

// BreadcrumbClick truncates the breadcrumb path to Index entries.
type BreadcrumbClick struct {
	Index int
}

// SetParameter stores an override on node Node of the current level.
type SetParameter struct {
	Node  graph.NodeKey
	Key   string
	Value any
}

// ClearParameter removes an override, restoring the catalog default.
type ClearParameter struct {
	Node graph.NodeKey
	Key  string
}

// ToggleParameter negates a boolean parameter.
type ToggleParameter struct {
	Node graph.NodeKey
	Key  string
}

// SubmitStarted marks a run request for Target as sent.
type SubmitStarted struct {
	Target string
}

// SubmitAccepted records the job id the server returned.
type SubmitAccepted struct {
	RunID string
}

// SubmitRejected records a refused run request.
type SubmitRejected struct {
	Err *runstatus.ResponseStatusError
}

// RunUpdate is a run-status tick from the push channel.
type RunUpdate struct {
	Update runstatus.Update
}

// LastRunLoaded seeds the run status from GET /execution/last_run/.
type LastRunLoaded struct {
	Update *runstatus.Update
}

// ChannelOpened reports that the push channel is connected.
type ChannelOpened struct {
	At time.Time
}

// ChannelClosed reports that the push channel dropped.
type ChannelClosed struct {
	At  time.Time
	Err error
}

// ReconnectAttempted counts a reconnection attempt.
type ReconnectAttempted struct {
	Attempt int
}

func (GraphsLoaded) ActionName() string       { return "graphs_loaded" }
func (NodesLoaded) ActionName() string        { return "nodes_loaded" }
func (ProjectsLoaded) ActionName() string     { return "projects_loaded" }
func (SelectWorkflow) ActionName() string     { return "select_workflow" }
func (SelectNode) ActionName() string         { return "select_node" }
func (EnterSubgraph) ActionName() string      { return "enter_subgraph" }
func (BreadcrumbClick) ActionName() string    { return "breadcrumb_click" }
func (SetParameter) ActionName() string       { return "set_parameter" }
func (ClearParameter) ActionName() string     { return "clear_parameter" }
func (ToggleParameter) ActionName() string    { return "toggle_parameter" }
func (SubmitStarted) ActionName() string      { return "submit_started" }
func (SubmitAccepted) ActionName() string     { return "submit_accepted" }
func (SubmitRejected) ActionName() string     { return "submit_rejected" }
func (RunUpdate) ActionName() string          { return "run_update" }
func (LastRunLoaded) ActionName() string      { return "last_run_loaded" }
func (ChannelOpened) ActionName() string      { return "channel_opened" }
func (ChannelClosed) ActionName() string      { return "channel_closed" }
func (ReconnectAttempted) ActionName() string { return "reconnect_attempted" }
