package console

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qua-platform/qualibrate-console/pkg/connection"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/push"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// loopWorkflow is a single loop node repeated five times, wrapping three
// calibration steps.
const loopWorkflow = `{
  "retune": {
    "nodes": [
      {"id": "loop", "loop": {"max_iterations": 5},
       "subgraph": {
         "nodes": [
           {"id": "resonator", "parameters": {"span": {"type": "number", "default": 10}}},
           {"id": "rabi", "parameters": {"simulate": {"type": "boolean", "default": false}}},
           {"id": "ramsey"}
         ],
         "edges": [
           {"source": "resonator", "target": "rabi"},
           {"source": "rabi", "target": "ramsey"}
         ]
       }}
    ],
    "edges": [
      {"source": "loop", "target": "loop", "data": {"loop": {"max_iterations": 5}}}
    ]
  }
}`

func nodeIDs(g *graph.WorkflowGraph) []graph.NodeKey {
	var out []graph.NodeKey
	for _, n := range g.OrderedNodes() {
		out = append(out, n.ID)
	}
	return out
}

func loadedStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	graphs, err := graph.LoadGraphs([]byte(loopWorkflow))
	require.NoError(t, err)
	s := NewStore(opts...)
	require.NoError(t, s.Dispatch(GraphsLoaded{Graphs: graphs}))
	require.NoError(t, s.Dispatch(SelectWorkflow{Name: "retune"}))
	return s
}

func TestStore_LoopDrillDownAndBack(t *testing.T) {
	s := loadedStore(t)

	top := s.CurrentGraph()
	require.NotNil(t, top)
	assert.Equal(t, []graph.NodeKey{"loop"}, nodeIDs(top))
	require.Len(t, top.Edges, 1)
	assert.Equal(t, []string{"5×"}, top.Edges[0].Labels())
	assert.Equal(t, []string{"5×"}, top.Node("loop").LoopLabels())

	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "loop"}))
	inner := s.CurrentGraph()
	assert.Equal(t, []graph.NodeKey{"resonator", "rabi", "ramsey"}, nodeIDs(inner))

	crumbs := s.Breadcrumbs()
	require.Len(t, crumbs, 2)
	assert.Equal(t, "retune", crumbs[0].Label)
	assert.Equal(t, 0, crumbs[0].Index)
	assert.True(t, crumbs[1].Current)

	require.NoError(t, s.Dispatch(BreadcrumbClick{Index: 0}))
	assert.Same(t, top, s.CurrentGraph())
	assert.Equal(t, []graph.NodeKey{"loop"}, nodeIDs(s.CurrentGraph()))
	assert.Len(t, s.Breadcrumbs(), 1)
}

func TestStore_BreadcrumbClickOnCurrentIsNoop(t *testing.T) {
	s := loadedStore(t)
	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "loop"}))

	require.NoError(t, s.Dispatch(BreadcrumbClick{Index: 1}))
	assert.Equal(t, []graph.NodeKey{"loop"}, s.CrumbPath())

	// Entering a leaf is a no-op too.
	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "rabi"}))
	assert.Equal(t, []graph.NodeKey{"loop"}, s.CrumbPath())
}

func TestStore_BreadcrumbsArePerWorkflow(t *testing.T) {
	graphs, err := graph.LoadGraphs([]byte(loopWorkflow))
	require.NoError(t, err)
	graphs["other"] = graph.NewGraph("other")

	s := NewStore()
	require.NoError(t, s.Dispatch(GraphsLoaded{Graphs: graphs}))
	require.NoError(t, s.Dispatch(SelectWorkflow{Name: "retune"}))
	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "loop"}))

	require.NoError(t, s.Dispatch(SelectWorkflow{Name: "other"}))
	assert.Empty(t, s.CrumbPath())

	require.NoError(t, s.Dispatch(SelectWorkflow{Name: "retune"}))
	assert.Equal(t, []graph.NodeKey{"loop"}, s.CrumbPath())
}

func TestStore_ReloadFallsBackToDeepestLevel(t *testing.T) {
	s := loadedStore(t)
	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "loop"}))

	// The refreshed payload no longer nests anything under "loop".
	flat := graph.NewGraph("retune")
	flat.AddNode(&graph.GraphNode{ID: "loop", Label: "loop"})
	require.NoError(t, s.Dispatch(GraphsLoaded{
		Graphs: map[string]*graph.WorkflowGraph{"retune": flat},
		Err:    errors.New("workflow x: invalid shape"),
	}))

	assert.Same(t, flat, s.CurrentGraph())
	assert.Empty(t, s.CrumbPath())
	_, loadErr := s.Graphs()
	assert.Error(t, loadErr)
}

func TestStore_Parameters(t *testing.T) {
	s := loadedStore(t)
	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "loop"}))

	v, ok := s.EffectiveValue("resonator", "span")
	require.True(t, ok)
	assert.Equal(t, float64(10), v)

	require.NoError(t, s.Dispatch(SetParameter{Node: "resonator", Key: "span", Value: "12.5"}))
	v, _ = s.EffectiveValue("resonator", "span")
	assert.Equal(t, "12.5", v)
	assert.Equal(t, []string{"span"}, s.Overridden("resonator"))

	payload, err := s.Submission("resonator")
	require.NoError(t, err)
	assert.Equal(t, 12.5, payload["span"])

	require.NoError(t, s.Dispatch(ToggleParameter{Node: "rabi", Key: "simulate"}))
	v, _ = s.EffectiveValue("rabi", "simulate")
	assert.Equal(t, true, v)
	assert.Error(t, s.Dispatch(ToggleParameter{Node: "resonator", Key: "span"}))
	assert.Error(t, s.Dispatch(ToggleParameter{Node: "missing", Key: "x"}))

	require.NoError(t, s.Dispatch(ClearParameter{Node: "resonator", Key: "span"}))
	v, _ = s.EffectiveValue("resonator", "span")
	assert.Equal(t, float64(10), v)

	// The same node id at the root level is a different path.
	require.NoError(t, s.Dispatch(BreadcrumbClick{Index: 0}))
	_, ok = s.EffectiveValue("resonator", "span")
	assert.False(t, ok)
}

func TestStore_StandaloneNodes(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Dispatch(NodesLoaded{Nodes: map[string]*graph.GraphNode{
		"rabi": {ID: "rabi", Parameters: map[string]graph.Parameter{"amp": {Type: graph.ParamNumber, Default: 0.1}}},
	}}))
	require.NoError(t, s.Dispatch(SelectNode{Key: "rabi"}))

	require.NoError(t, s.Dispatch(SetParameter{Node: "rabi", Key: "amp", Value: "0.2"}))
	payload, err := s.Submission("rabi")
	require.NoError(t, err)
	assert.Equal(t, 0.2, payload["amp"])

	_, err = s.Submission("nope")
	assert.Error(t, err)
}

func TestStore_SubmitAndReject(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Dispatch(SubmitStarted{Target: "rabi"}))
	rej := &runstatus.ResponseStatusError{NodeName: "rabi", Name: "ValidationError", Message: "amp > 1"}
	require.NoError(t, s.Dispatch(SubmitRejected{Err: rej}))

	assert.Same(t, rej, s.SubmissionError("rabi"))
	assert.Equal(t, runstatus.PhaseIdle, s.RunStatus().Phase)

	require.NoError(t, s.Dispatch(SubmitStarted{Target: "rabi"}))
	assert.Nil(t, s.SubmissionError("rabi"))
}

type recorder struct {
	outcomes []runstatus.Outcome
	conns    []connection.Snapshot
}

func (r *recorder) ObserveUpdate(_ runstatus.Update, o runstatus.Outcome, _ runstatus.Info) {
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) ObserveConnection(s connection.Snapshot) {
	r.conns = append(r.conns, s)
}

func TestStore_SwitchingSelectionDiscardsLateUpdates(t *testing.T) {
	rec := &recorder{}
	s := loadedStore(t, WithObserver(rec))

	require.NoError(t, s.Dispatch(SubmitStarted{Target: "retune"}))
	require.NoError(t, s.Dispatch(SubmitAccepted{RunID: "run-1"}))
	require.NoError(t, s.Dispatch(RunUpdate{Update: runstatus.Update{RunID: "run-1", Status: runstatus.StatusRunning, ActivePath: []graph.NodeKey{"loop", "rabi"}}}))

	require.NoError(t, s.Dispatch(EnterSubgraph{Key: "loop"}))
	assert.Equal(t, runstatus.StatusRunning, s.NodeStatus("rabi"))
	assert.Equal(t, "", s.NodeStatus("ramsey"))

	require.NoError(t, s.Dispatch(SelectWorkflow{Name: "calibrate"}))
	before := s.RunStatus()
	require.NoError(t, s.Dispatch(RunUpdate{Update: runstatus.Update{RunID: "run-1", Status: runstatus.StatusFinished}}))
	assert.Equal(t, before, s.RunStatus())

	assert.Equal(t, []runstatus.Outcome{runstatus.OutcomeApplied, runstatus.OutcomeStale}, rec.outcomes)
}

func TestStore_SwitchingBeforeAcceptDiscardsLateRun(t *testing.T) {
	rec := &recorder{}
	s := loadedStore(t, WithObserver(rec))

	require.NoError(t, s.Dispatch(SubmitStarted{Target: "retune"}))
	require.NoError(t, s.Dispatch(SelectWorkflow{Name: "calibrate"}))
	require.NoError(t, s.Dispatch(SubmitAccepted{RunID: "run-1"}))
	require.NoError(t, s.Dispatch(RunUpdate{Update: runstatus.Update{RunID: "run-1", Status: runstatus.StatusFinished, FinishedNodes: 2, TotalNodes: 5}}))

	info := s.RunStatus()
	assert.Equal(t, runstatus.PhaseIdle, info.Phase)
	assert.Empty(t, info.RunID)
	assert.Empty(t, info.Target)
	assert.Equal(t, 0, info.FinishedNodes)
	assert.Equal(t, []runstatus.Outcome{runstatus.OutcomeStale}, rec.outcomes)
}

func TestStore_RunDrainsPushEvents(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	s := NewStore(WithClock(func() time.Time { return clock }), WithObserver(rec))

	events := make(chan push.Event, 8)
	events <- push.Event{Type: push.EventOpen, At: clock}
	events <- push.Event{Type: push.EventStatus, Update: &runstatus.Update{RunID: "r1", Status: runstatus.StatusRunning, FinishedNodes: 1}}
	events <- push.Event{Type: push.EventClose, At: clock}
	events <- push.Event{Type: push.EventRetry, Attempt: 1}
	close(events)

	require.NoError(t, s.Run(context.Background(), events))

	assert.Equal(t, "r1", s.RunStatus().RunID)
	assert.Equal(t, 1, s.RunStatus().FinishedNodes)

	elapsed, visible := s.ConnectionElapsed(clock.Add(65 * time.Second))
	assert.True(t, visible)
	assert.Equal(t, 65*time.Second, elapsed)
	assert.Equal(t, "Disconnected for 1m 05s, reconnecting…", s.Banner(clock.Add(65*time.Second)))
	assert.Equal(t, 1, s.Connection(clock).Attempts)
	require.Len(t, rec.conns, 3)
	assert.True(t, rec.conns[0].Connected)

	s.HandleEvent(push.Event{Type: push.EventOpen})
	assert.Equal(t, "", s.Banner(clock.Add(time.Hour)))
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, make(chan push.Event))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_LastRunAndProjects(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Dispatch(LastRunLoaded{Update: &runstatus.Update{RunID: "r9", Name: "retune", Status: runstatus.StatusFinished, FinishedNodes: 3, TotalNodes: 3}}))
	assert.Equal(t, runstatus.PhaseFinished, s.RunStatus().Phase)
	require.NoError(t, s.Dispatch(LastRunLoaded{}))

	require.NoError(t, s.Dispatch(ProjectsLoaded{Projects: []string{"alpha", "beta"}, Active: "beta"}))
	projects, active := s.Projects()
	assert.Equal(t, []string{"alpha", "beta"}, projects)
	assert.Equal(t, "beta", active)
}
