// Package simulation runs a simulated Qualibrate execution server and drives
// scripted load against it.
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qua-platform/qualibrate-console/pkg/client"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/push"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// DropPath is the debug endpoint that drops every push connection.
const DropPath = "/debug/drop"

// Server answers the execution-server endpoints the console uses. Runs are
// played back step by step and broadcast on the push channel.
type Server struct {
	graphs      json.RawMessage
	nodes       json.RawMessage
	plans       map[string][][]graph.NodeKey
	standalone  map[string]bool
	step        time.Duration
	failureRate float64
	logger      *slog.Logger
	now         func() time.Time
	mux         *http.ServeMux
	upgrader    websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	drops  atomic.Uint64

	mu        sync.Mutex
	rng       *rand.Rand
	running   bool
	last      *runstatus.Update
	nextID    int
	seq       uint64
	subs      map[chan []byte]struct{}
	downUntil time.Time
	projects  []string
	active    string
}

// NewServer validates the scenario catalog and builds the server.
func NewServer(s Scenario, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	graphs := s.Graphs
	if len(graphs) == 0 {
		graphs = json.RawMessage(defaultGraphs)
	}
	nodes := s.Nodes
	if len(nodes) == 0 {
		nodes = json.RawMessage(defaultNodes)
	}
	parsed, err := graph.LoadGraphs(graphs)
	if err != nil {
		return nil, fmt.Errorf("scenario graphs: %w", err)
	}
	catalog, err := client.ParseNodes(nodes)
	if err != nil {
		return nil, fmt.Errorf("scenario nodes: %w", err)
	}
	if s.FailureRate < 0 || s.FailureRate > 1 {
		return nil, fmt.Errorf("failure rate must be within [0, 1], got %v", s.FailureRate)
	}

	step := s.StepDuration
	if step <= 0 {
		step = defaultStepDuration
	}
	projects := s.Projects
	if len(projects) == 0 {
		projects = []string{"simulation"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		graphs:      graphs,
		nodes:       nodes,
		plans:       make(map[string][][]graph.NodeKey, len(parsed)),
		standalone:  make(map[string]bool, len(catalog)),
		step:        step,
		failureRate: s.FailureRate,
		logger:      logger.With("component", "simulation"),
		now:         time.Now,
		mux:         http.NewServeMux(),
		ctx:         ctx,
		cancel:      cancel,
		rng:         rand.New(rand.NewSource(s.Seed)),
		subs:        make(map[chan []byte]struct{}),
		projects:    projects,
		active:      projects[0],
	}
	for name, g := range parsed {
		srv.plans[name] = flatten(g, nil)
	}
	for name := range catalog {
		srv.standalone[name] = true
	}
	srv.routes()
	return srv, nil
}

// flatten lists the leaf paths a workflow visits in execution order. Looping
// nodes repeat up to their iteration cap.
func flatten(g *graph.WorkflowGraph, prefix []graph.NodeKey) [][]graph.NodeKey {
	var out [][]graph.NodeKey
	for _, n := range g.OrderedNodes() {
		path := append(slices.Clone(prefix), n.ID)
		times := 1
		if n.Loop != nil && n.Loop.MaxIterations != nil && *n.Loop.MaxIterations > 1 {
			times = min(*n.Loop.MaxIterations, maxSimulatedIterations)
		}
		for range times {
			if n.IsContainer() {
				out = append(out, flatten(n.Subgraph, path)...)
			} else {
				out = append(out, path)
			}
		}
	}
	return out
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /execution/get_graphs", s.raw(s.graphs))
	s.mux.HandleFunc("GET /execution/get_nodes", s.raw(s.nodes))
	s.mux.HandleFunc("POST /execution/submit/node", s.handleSubmit(false))
	s.mux.HandleFunc("POST /execution/submit/workflow", s.handleSubmit(true))
	s.mux.HandleFunc("GET /execution/last_run/", s.handleLastRun)
	s.mux.HandleFunc("GET /execution/is_running", s.handleIsRunning)
	s.mux.HandleFunc("GET /api/projects/", s.handleProjects)
	s.mux.HandleFunc("GET /api/project/active", s.handleActiveProject)
	s.mux.HandleFunc("POST /api/project/active", s.handleSetActiveProject)
	s.mux.HandleFunc("POST "+DropPath, s.handleDrop)
	s.mux.HandleFunc("GET "+push.DefaultPath, s.handlePush)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops the active run and waits for it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Drops returns how many push connections were dropped on purpose.
func (s *Server) Drops() uint64 {
	return s.drops.Load()
}

// Drop closes every push connection and refuses new ones for downtime.
func (s *Server) Drop(downtime time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.subs)
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.downUntil = s.now().Add(downtime)
	s.drops.Add(uint64(n))
	s.logger.Info("push_dropped", "connections", n, "downtime", downtime.String())
	return n
}

func (s *Server) raw(body json.RawMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func (s *Server) handleSubmit(workflow bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, runstatus.ResponseStatusError{Name: "ValidationError", Message: err.Error()})
			return
		}

		var plan [][]graph.NodeKey
		if workflow {
			plan = s.plans[req.Name]
		} else if s.standalone[req.Name] {
			plan = [][]graph.NodeKey{{graph.NodeKey(req.Name)}}
		}
		if len(plan) == 0 {
			writeJSON(w, http.StatusUnprocessableEntity, runstatus.ResponseStatusError{
				NodeName: req.Name,
				Name:     "ValidationError",
				Message:  fmt.Sprintf("unknown target %q", req.Name),
			})
			return
		}

		s.mu.Lock()
		if s.running {
			s.mu.Unlock()
			writeJSON(w, http.StatusConflict, map[string]string{"detail": "Already running"})
			return
		}
		s.running = true
		s.nextID++
		id := s.nextID
		s.mu.Unlock()

		s.logger.Info("run_submitted", "run_id", id, "target", req.Name, "steps", len(plan))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.play(strconv.Itoa(id), req.Name, plan)
		}()
		writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "status": runstatus.StatusPending})
	}
}

// play walks the plan one step at a time and broadcasts every transition.
func (s *Server) play(id, name string, plan [][]graph.NodeKey) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	started := s.now().UTC()
	total := len(plan)
	s.mu.Lock()
	failAt := -1
	if s.rng.Float64() < s.failureRate {
		failAt = s.rng.Intn(total)
	}
	s.mu.Unlock()

	base := runstatus.Update{RunID: id, Name: name, TotalNodes: total, StartedAt: &started}
	for i, path := range plan {
		u := base
		u.Status = runstatus.StatusRunning
		u.ActivePath = path
		u.ActiveNode = string(path[len(path)-1])
		u.FinishedNodes = i
		u.Percentage = float64(i) / float64(total) * 100
		s.broadcast(u)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.step):
		}

		if i == failAt {
			u.Status = runstatus.StatusError
			u.Error = &runstatus.RunError{
				Kind:      "SimulatedFailure",
				Message:   fmt.Sprintf("%s did not converge", u.ActiveNode),
				Location:  graph.JoinPath(path),
				Traceback: []string{"simulation.play", "node " + u.ActiveNode},
			}
			s.finish(u, started)
			return
		}
	}

	u := base
	u.Status = runstatus.StatusFinished
	u.FinishedNodes = total
	u.Percentage = 100
	s.finish(u, started)
}

func (s *Server) finish(u runstatus.Update, started time.Time) {
	d := s.now().UTC().Sub(started).Seconds()
	u.Duration = &d
	s.broadcast(u)
	s.logger.Info("run_completed", "run_id", u.RunID, "status", u.Status, "duration_s", d)
}

func (s *Server) broadcast(u runstatus.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	u.Seq = s.seq
	s.last = &u

	msg, err := json.Marshal(map[string]any{"type": "run_status", "data": u})
	if err != nil {
		s.logger.Error("push_encode_failed", "error", err)
		return
	}
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("push_subscriber_slow", "seq", u.Seq)
		}
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.now().Before(s.downUntil) {
		s.mu.Unlock()
		http.Error(w, "push channel unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("push_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	if s.last != nil {
		if msg, err := json.Marshal(map[string]any{"type": "run_status", "data": s.last}); err == nil {
			ch <- msg
		}
	}
	s.mu.Unlock()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulated drop"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.unsubscribe(ch)
				return
			}
		case <-gone:
			s.unsubscribe(ch)
			return
		case <-s.ctx.Done():
			s.unsubscribe(ch)
			return
		}
	}
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) handleIsRunning(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, running)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := slices.Clone(s.projects)
	s.mu.Unlock()
	sort.Strings(names)
	out := make([]client.Project, len(names))
	for i, n := range names {
		out[i] = client.Project{Name: n}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveProject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleSetActiveProject(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("active_project")
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.projects, name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": fmt.Sprintf("unknown project %q", name)})
		return
	}
	s.active = name
	writeJSON(w, http.StatusOK, name)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	downtime, err := time.ParseDuration(r.URL.Query().Get("downtime"))
	if err != nil {
		downtime = 0
	}
	n := s.Drop(downtime)
	writeJSON(w, http.StatusOK, map[string]int{"dropped": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
