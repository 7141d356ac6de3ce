// Package console holds the single state container of the operator console.
// Every mutation goes through Dispatch; readers use the selector methods.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/connection"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/params"
	"github.com/qua-platform/qualibrate-console/pkg/push"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// UpdateObserver is notified after every run-status update has been merged.
type UpdateObserver interface {
	ObserveUpdate(u runstatus.Update, outcome runstatus.Outcome, info runstatus.Info)
}

// ConnectionObserver is notified after every push-channel health change.
type ConnectionObserver interface {
	ObserveConnection(s connection.Snapshot)
}

// Store is the console state. Actions are applied one at a time in dispatch
// order.
type Store struct {
	mu sync.RWMutex

	graphs   map[string]*graph.WorkflowGraph
	graphErr error
	nodes    map[string]*graph.GraphNode
	nodesErr error

	projects      []string
	activeProject string

	selected     string
	selectedNode graph.NodeKey
	crumbs       map[string][]graph.NodeKey

	overrides  *params.Overrides
	submitErrs map[string]*runstatus.ResponseStatusError

	recon   *runstatus.Reconciler
	monitor *connection.Monitor

	updateObservers []UpdateObserver
	connObservers   []ConnectionObserver

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithObserver registers o for the notifications it implements
// (UpdateObserver, ConnectionObserver or both).
func WithObserver(o any) Option {
	return func(s *Store) {
		if u, ok := o.(UpdateObserver); ok {
			s.updateObservers = append(s.updateObservers, u)
		}
		if c, ok := o.(ConnectionObserver); ok {
			s.connObservers = append(s.connObservers, c)
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		graphs:     make(map[string]*graph.WorkflowGraph),
		nodes:      make(map[string]*graph.GraphNode),
		crumbs:     make(map[string][]graph.NodeKey),
		overrides:  params.NewOverrides(),
		submitErrs: make(map[string]*runstatus.ResponseStatusError),
		monitor:    connection.NewMonitor(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recon = runstatus.NewReconcilerWithClock(s.now)
	return s
}

// Dispatch applies a single action. The returned error reports an action that
// could not be applied (for example toggling a non-boolean parameter); the
// state is unchanged in that case.
func (s *Store) Dispatch(a Action) error {
	var (
		notifyUpdate *updateNote
		notifyConn   bool
		err          error
	)

	s.mu.Lock()
	switch act := a.(type) {
	case GraphsLoaded:
		s.loadGraphsLocked(act)
	case NodesLoaded:
		s.nodes = act.Nodes
		if s.nodes == nil {
			s.nodes = make(map[string]*graph.GraphNode)
		}
		s.nodesErr = act.Err
	case ProjectsLoaded:
		s.projects = append([]string(nil), act.Projects...)
		s.activeProject = act.Active
	case SelectWorkflow:
		if act.Name != s.selected {
			s.recon.Supersede()
			s.selected = act.Name
			s.selectedNode = ""
		}
	case SelectNode:
		if act.Key != s.selectedNode {
			if s.selected == "" {
				s.recon.Supersede()
			}
			s.selectedNode = act.Key
		}
	case EnterSubgraph:
		s.enterSubgraphLocked(act.Key)
	case BreadcrumbClick:
		s.breadcrumbClickLocked(act.Index)
	case SetParameter:
		s.overrides.Set(s.pathLocked(act.Node), act.Key, act.Value)
	case ClearParameter:
		s.overrides.Clear(s.pathLocked(act.Node), act.Key)
	case ToggleParameter:
		node := s.nodeLocked(act.Node)
		if node == nil {
			err = fmt.Errorf("unknown node %q", act.Node)
			break
		}
		_, err = s.overrides.Toggle(s.pathLocked(act.Node), node.Parameters, act.Key)
	case SubmitStarted:
		delete(s.submitErrs, act.Target)
		s.recon.Submit(act.Target)
	case SubmitAccepted:
		s.recon.Accept(act.RunID)
	case SubmitRejected:
		if act.Err != nil {
			s.submitErrs[submitKey(act.Err, s.recon.Info().Target)] = act.Err
			s.recon.Reject(act.Err)
		}
	case RunUpdate:
		outcome := s.recon.Apply(act.Update)
		notifyUpdate = &updateNote{update: act.Update, outcome: outcome, info: s.recon.Info()}
	case LastRunLoaded:
		if act.Update != nil {
			outcome := s.recon.Restore(*act.Update)
			notifyUpdate = &updateNote{update: *act.Update, outcome: outcome, info: s.recon.Info()}
		}
	case ChannelOpened:
		s.monitor.Connected()
		notifyConn = true
	case ChannelClosed:
		s.monitor.Disconnected(act.At)
		notifyConn = true
	case ReconnectAttempted:
		s.monitor.Attempt()
		notifyConn = true
	default:
		err = fmt.Errorf("unsupported action %T", a)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("action_rejected", "action", a.ActionName(), "error", err)
		return err
	}

	if notifyUpdate != nil {
		if notifyUpdate.outcome == runstatus.OutcomeStale {
			s.logger.Debug("run_update_discarded", "run_id", notifyUpdate.update.RunID)
		}
		for _, o := range s.updateObservers {
			o.ObserveUpdate(notifyUpdate.update, notifyUpdate.outcome, notifyUpdate.info)
		}
	}
	if notifyConn {
		snap := s.monitor.Snapshot(s.now())
		for _, o := range s.connObservers {
			o.ObserveConnection(snap)
		}
	}
	return nil
}

type updateNote struct {
	update  runstatus.Update
	outcome runstatus.Outcome
	info    runstatus.Info
}

func submitKey(err *runstatus.ResponseStatusError, target string) string {
	if err.NodeName != "" {
		return err.NodeName
	}
	return target
}

// Run drains the push stream in delivery order until ctx ends or events is
// closed.
func (s *Store) Run(ctx context.Context, events <-chan push.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ev)
		}
	}
}

// HandleEvent translates one push event into the matching action.
func (s *Store) HandleEvent(ev push.Event) {
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	var a Action
	switch ev.Type {
	case push.EventOpen:
		a = ChannelOpened{At: at}
	case push.EventClose:
		a = ChannelClosed{At: at, Err: ev.Err}
	case push.EventRetry:
		a = ReconnectAttempted{Attempt: ev.Attempt}
	case push.EventStatus:
		if ev.Update == nil {
			return
		}
		a = RunUpdate{Update: *ev.Update}
	default:
		return
	}
	_ = s.Dispatch(a)
}

func (s *Store) loadGraphsLocked(act GraphsLoaded) {
	s.graphs = act.Graphs
	if s.graphs == nil {
		s.graphs = make(map[string]*graph.WorkflowGraph)
	}
	s.graphErr = act.Err
	if act.Err != nil {
		s.logger.Warn("graph_load_failed", "error", act.Err, "loaded", len(s.graphs))
	}
	// Drop crumbs that no longer resolve after a refresh.
	for name, crumbs := range s.crumbs {
		g, consumed := graph.ResolveCurrentGraph(s.graphs, name, crumbs)
		if g == nil {
			delete(s.crumbs, name)
			continue
		}
		if consumed < len(crumbs) {
			s.crumbs[name] = crumbs[:consumed]
		}
	}
}

func (s *Store) enterSubgraphLocked(key graph.NodeKey) {
	if s.selected == "" {
		return
	}
	current, consumed := graph.ResolveCurrentGraph(s.graphs, s.selected, s.crumbs[s.selected])
	node := current.Node(key)
	if !node.IsContainer() {
		return
	}
	path := append([]graph.NodeKey(nil), s.crumbs[s.selected][:consumed]...)
	s.crumbs[s.selected] = append(path, key)
	s.selectedNode = ""
}

func (s *Store) breadcrumbClickLocked(index int) {
	crumbs := s.crumbs[s.selected]
	if index < 0 || index >= len(crumbs) {
		return
	}
	if index == 0 {
		delete(s.crumbs, s.selected)
	} else {
		s.crumbs[s.selected] = append([]graph.NodeKey(nil), crumbs[:index]...)
	}
	s.selectedNode = ""
}

// pathLocked builds the override path of a node at the current level.
func (s *Store) pathLocked(key graph.NodeKey) params.Path {
	if s.selected == "" {
		return params.Path{Node: key}
	}
	_, consumed := graph.ResolveCurrentGraph(s.graphs, s.selected, s.crumbs[s.selected])
	return params.Path{
		Workflow: s.selected,
		Crumbs:   append([]graph.NodeKey(nil), s.crumbs[s.selected][:consumed]...),
		Node:     key,
	}
}

// nodeLocked finds a node of the current level, or a standalone node when no
// workflow is selected.
func (s *Store) nodeLocked(key graph.NodeKey) *graph.GraphNode {
	if s.selected == "" {
		return s.nodes[string(key)]
	}
	current, _ := graph.ResolveCurrentGraph(s.graphs, s.selected, s.crumbs[s.selected])
	return current.Node(key)
}

// Crumb is one entry of the breadcrumb trail. Index is the value to pass to
// BreadcrumbClick; the root entry has index 0.
type Crumb struct {
	Index   int
	Key     graph.NodeKey
	Label   string
	Current bool
}

// Breadcrumbs returns the trail from the workflow root to the current level.
func (s *Store) Breadcrumbs() []Crumb {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return nil
	}
	root, ok := s.graphs[s.selected]
	if !ok {
		return nil
	}
	_, consumed := graph.ResolveCurrentGraph(s.graphs, s.selected, s.crumbs[s.selected])
	crumbs := s.crumbs[s.selected][:consumed]

	out := []Crumb{{Index: 0, Label: s.selected}}
	level := root
	for i, key := range crumbs {
		node := level.Node(key)
		out = append(out, Crumb{Index: i + 1, Key: key, Label: node.Label})
		level = node.Subgraph
	}
	out[len(out)-1].Current = true
	return out
}

// CrumbPath returns the raw breadcrumb keys stored for the selected workflow.
func (s *Store) CrumbPath() []graph.NodeKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]graph.NodeKey(nil), s.crumbs[s.selected]...)
}

// CurrentGraph returns the graph level on display, or nil when no known
// workflow is selected.
func (s *Store) CurrentGraph() *graph.WorkflowGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, _ := graph.ResolveCurrentGraph(s.graphs, s.selected, s.crumbs[s.selected])
	return g
}

// Graphs returns the loaded workflows and the load error, if any.
func (s *Store) Graphs() (map[string]*graph.WorkflowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graphs, s.graphErr
}

// WorkflowNames returns the loaded workflow names in sorted order.
func (s *Store) WorkflowNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Nodes returns the runnable standalone nodes and the load error, if any.
func (s *Store) Nodes() (map[string]*graph.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes, s.nodesErr
}

// Projects returns the known projects and the active one.
func (s *Store) Projects() ([]string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.projects...), s.activeProject
}

// Selected returns the selected workflow and node.
func (s *Store) Selected() (string, graph.NodeKey) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selectedNode
}

// EffectiveValue returns the override of key on node, else the catalog default.
func (s *Store) EffectiveValue(node graph.NodeKey, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.nodeLocked(node)
	if n == nil {
		return nil, false
	}
	return s.overrides.Effective(s.pathLocked(node), n.Parameters, key)
}

// Overridden returns the parameter keys of node that carry an override.
func (s *Store) Overridden(node graph.NodeKey) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrides.Overridden(s.pathLocked(node))
}

// Submission returns the coerced parameter payload for running node.
func (s *Store) Submission(node graph.NodeKey) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.nodeLocked(node)
	if n == nil {
		return nil, fmt.Errorf("unknown node %q", node)
	}
	return s.overrides.Submission(s.pathLocked(node), n.Parameters), nil
}

// RunStatus returns the displayed run status.
func (s *Store) RunStatus() runstatus.Info {
	return s.recon.Info()
}

// NodeStatus returns the run status of node at the current level, or "".
func (s *Store) NodeStatus(node graph.NodeKey) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, consumed := graph.ResolveCurrentGraph(s.graphs, s.selected, s.crumbs[s.selected])
	path := append(append([]graph.NodeKey(nil), s.crumbs[s.selected][:consumed]...), node)
	return s.recon.NodeStatus(path)
}

// SubmissionError returns the stored rejection for node, if any.
func (s *Store) SubmissionError(node string) *runstatus.ResponseStatusError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.submitErrs[node]
}

// Connection returns the push-channel health at now.
func (s *Store) Connection(now time.Time) connection.Snapshot {
	return s.monitor.Snapshot(now)
}

// ConnectionElapsed returns how long the push channel has been down, and
// whether the banner is visible.
func (s *Store) ConnectionElapsed(now time.Time) (time.Duration, bool) {
	snap := s.monitor.Snapshot(now)
	return snap.Elapsed, snap.Visible
}

// Banner returns the disconnect message, or "" while connected.
func (s *Store) Banner(now time.Time) string {
	elapsed, visible := s.ConnectionElapsed(now)
	if !visible {
		return ""
	}
	return fmt.Sprintf("Disconnected for %s, reconnecting…", connection.FormatElapsed(elapsed))
}
