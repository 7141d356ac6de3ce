// Package runstatus merges asynchronous run-status updates into the status
// shown for the tracked run. Status lives here and in a per-node side table;
// workflow graphs are never written.
package runstatus

import (
	"sync"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/graph"
)

// Outcome describes what Apply did with an update.
type Outcome int

const (
	// OutcomeApplied means the update advanced the displayed status.
	OutcomeApplied Outcome = iota
	// OutcomeMerged means the update arrived out of order; only monotonic
	// counters and node statuses were merged.
	OutcomeMerged
	// OutcomeStale means the update belongs to a superseded run and was dropped.
	OutcomeStale
	// OutcomeIgnored means the run is already terminal.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeMerged:
		return "merged"
	case OutcomeStale:
		return "stale"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}

// Reconciler tracks one run at a time.
type Reconciler struct {
	mu         sync.RWMutex
	info       Info
	lastSeq    uint64
	nodes      map[string]string
	superseded map[string]struct{}
	// orphans counts submissions superseded before the server answered them.
	orphans int
	now     func() time.Time
}

// NewReconciler creates an idle reconciler.
func NewReconciler() *Reconciler {
	return NewReconcilerWithClock(time.Now)
}

// NewReconcilerWithClock creates an idle reconciler reading time from now.
func NewReconcilerWithClock(now func() time.Time) *Reconciler {
	return &Reconciler{
		info:       Info{Phase: PhaseIdle},
		nodes:      make(map[string]string),
		superseded: make(map[string]struct{}),
		now:        now,
	}
}

// Submit moves to the submitted phase for target. The previous run, if any,
// is superseded and its results, error and counters are cleared.
func (r *Reconciler) Submit(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supersedeLocked()
	r.info = Info{Target: target, Phase: PhaseSubmitted, SubmittedAt: r.now()}
}

// Accept records the run id the server assigned to the pending submission.
func (r *Reconciler) Accept(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runID == "" || r.info.RunID == runID {
		return
	}
	switch {
	case r.info.Phase == PhaseSubmitted && r.info.RunID == "":
		r.info.RunID = runID
	case r.orphans > 0:
		// The answer to a submission the user already moved away from.
		r.orphans--
		r.superseded[runID] = struct{}{}
	case r.info.Phase != PhaseIdle && r.info.RunID != "":
		// Updates from another run were adopted before the submit response
		// arrived; the accepted run replaces it.
		target, submitted := r.info.Target, r.info.SubmittedAt
		r.supersedeLocked()
		r.info = Info{RunID: runID, Target: target, Phase: PhaseSubmitted, SubmittedAt: submitted}
	}
}

// Reject records a refused submission and returns to idle.
func (r *Reconciler) Reject(err *ResponseStatusError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Phase != PhaseSubmitted && r.orphans > 0 {
		r.orphans--
		return
	}
	r.info = Info{Target: r.info.Target, Phase: PhaseIdle, SubmitError: err}
	r.lastSeq = 0
	r.nodes = make(map[string]string)
}

// Supersede drops the tracked run: later updates carrying its id are
// discarded. Used when the user switches to another workflow or node.
func (r *Reconciler) Supersede() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supersedeLocked()
	r.info = Info{Phase: PhaseIdle}
}

// IsSuperseded reports whether runID belongs to a dropped run.
func (r *Reconciler) IsSuperseded(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.superseded[runID]
	return ok
}

// supersedeLocked must be called with r.mu held.
func (r *Reconciler) supersedeLocked() {
	if r.info.RunID != "" {
		r.superseded[r.info.RunID] = struct{}{}
	} else if r.info.Phase == PhaseSubmitted {
		r.orphans++
	}
	r.lastSeq = 0
	r.nodes = make(map[string]string)
}

// Restore seeds an idle reconciler from the last-run snapshot. It is a no-op
// once a run is being tracked.
func (r *Reconciler) Restore(u Update) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Phase != PhaseIdle || r.info.RunID != "" {
		return OutcomeIgnored
	}
	return r.applyLocked(u)
}

// Apply merges a push update.
func (r *Reconciler) Apply(u Update) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(u)
}

func (r *Reconciler) applyLocked(u Update) Outcome {
	if u.RunID != "" {
		if _, dropped := r.superseded[u.RunID]; dropped {
			return OutcomeStale
		}
	}

	switch {
	case u.RunID == "" || u.RunID == r.info.RunID:
	case r.info.RunID == "" && r.orphans > 0:
		// The run may belong to a submission superseded before its id
		// arrived. Nothing else is pending when idle, so it must be that one.
		if r.info.Phase == PhaseIdle {
			r.orphans--
			r.superseded[u.RunID] = struct{}{}
		}
		return OutcomeStale
	case r.info.RunID == "":
		if r.info.Phase == PhaseIdle {
			r.info = Info{Phase: PhaseIdle, SubmitError: r.info.SubmitError}
		}
		r.info.RunID = u.RunID
	case r.info.Phase.Terminal() || r.info.Phase == PhaseIdle:
		// A new run started after ours ended.
		r.supersedeLocked()
		r.info = Info{RunID: u.RunID, Phase: PhaseIdle}
	default:
		return OutcomeStale
	}

	if r.info.Phase.Terminal() {
		return OutcomeIgnored
	}

	now := r.now()
	if r.info.Phase == PhaseIdle || r.info.Phase == PhaseSubmitted {
		r.info.Phase = PhaseRunning
		r.info.StartedAt = now
	}
	if u.StartedAt != nil && !u.StartedAt.IsZero() {
		r.info.StartedAt = *u.StartedAt
	}
	if r.info.Target == "" {
		r.info.Target = u.Name
	}

	if u.FinishedNodes > r.info.FinishedNodes {
		r.info.FinishedNodes = u.FinishedNodes
	}
	if u.TotalNodes > r.info.TotalNodes {
		r.info.TotalNodes = u.TotalNodes
	}
	if u.Percentage > r.info.Percentage {
		r.info.Percentage = u.Percentage
	}
	for _, n := range u.Nodes {
		r.mergeNodeLocked(n.Path, n.Status)
	}

	inOrder := u.Seq == 0 || u.Seq > r.lastSeq
	if inOrder {
		if u.Seq > 0 {
			r.lastSeq = u.Seq
		}
		if path := u.activePath(); len(path) > 0 {
			if len(r.info.ActivePath) > 0 && graph.JoinPath(r.info.ActivePath) != graph.JoinPath(path) {
				r.mergeNodeLocked(r.info.ActivePath, StatusFinished)
			}
			r.info.ActivePath = path
			r.info.ActiveNode = firstNonEmpty(u.ActiveNode, string(path[len(path)-1]))
			r.mergeNodeLocked(path, StatusRunning)
		}
	}

	switch {
	case u.Error != nil || u.Status == StatusError:
		r.info.Phase = PhaseError
		r.info.Error = u.Error
		if r.info.Error == nil {
			r.info.Error = &RunError{Kind: "RunError", Message: "run failed"}
		}
		r.fixDurationLocked(u, now)
		if len(r.info.ActivePath) > 0 {
			r.mergeNodeLocked(r.info.ActivePath, StatusError)
		}
		return OutcomeApplied
	case u.Status == StatusFinished:
		r.info.Phase = PhaseFinished
		r.info.Percentage = 100
		if r.info.TotalNodes > 0 && r.info.FinishedNodes < r.info.TotalNodes {
			r.info.FinishedNodes = r.info.TotalNodes
		}
		r.fixDurationLocked(u, now)
		if len(r.info.ActivePath) > 0 {
			r.mergeNodeLocked(r.info.ActivePath, StatusFinished)
		}
		return OutcomeApplied
	}

	if !inOrder {
		return OutcomeMerged
	}
	return OutcomeApplied
}

// fixDurationLocked sets the final duration. It runs once per run, on the
// transition into a terminal phase.
func (r *Reconciler) fixDurationLocked(u Update, now time.Time) {
	r.info.FinishedAt = now
	if u.Duration != nil {
		r.info.Duration = time.Duration(*u.Duration * float64(time.Second))
		return
	}
	r.info.Duration = now.Sub(r.info.StartedAt)
}

func (r *Reconciler) mergeNodeLocked(path []graph.NodeKey, status string) {
	key := graph.JoinPath(path)
	if key == "" {
		return
	}
	if statusRank[status] > statusRank[r.nodes[key]] {
		r.nodes[key] = status
	}
}

// Info returns a copy of the displayed status.
func (r *Reconciler) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.info
	if info.ActivePath != nil {
		info.ActivePath = append([]graph.NodeKey(nil), info.ActivePath...)
	}
	return info
}

// NodeStatus returns the status recorded for the node at path, or "".
func (r *Reconciler) NodeStatus(path []graph.NodeKey) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[graph.JoinPath(path)]
}

// NodeStatuses returns a copy of the side table keyed by "a/b/c" paths.
func (r *Reconciler) NodeStatuses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.nodes))
	for k, v := range r.nodes {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
