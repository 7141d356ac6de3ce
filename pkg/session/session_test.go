package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qua-platform/qualibrate-console/pkg/console"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/push"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
	"github.com/qua-platform/qualibrate-console/pkg/store"
)

const graphsBody = `{
  "retune": {
    "parameters": {"qubits": {"type": "string", "default": "q1"}},
    "nodes": [{"id": "rabi"}, {"id": "ramsey"}],
    "edges": [{"source": "rabi", "target": "ramsey"}]
  }
}`

const nodesBody = `{
  "rabi": {"title": "Power Rabi", "parameters": {
    "amplitude": {"type": "number", "default": 0.5},
    "simulate": {"type": "boolean", "default": false}
  }}
}`

type fakeServer struct {
	*httptest.Server
	submitted chan map[string]any
	updates   chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		submitted: make(chan map[string]any, 4),
		updates:   make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/execution/get_graphs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, graphsBody)
	})
	mux.HandleFunc("/execution/get_nodes", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, nodesBody)
	})
	mux.HandleFunc("/api/projects/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"name": "lab"}, {"name": "demo"}]`)
	})
	mux.HandleFunc("/api/project/active", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `"lab"`)
	})
	mux.HandleFunc("/execution/last_run/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `null`)
	})
	mux.HandleFunc("/execution/submit/node", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fs.submitted <- body
		if body["name"] == "busy" {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"detail": "Already running"}`)
			return
		}
		io.WriteString(w, `{"jobId": 7, "status": "pending"}`)
	})
	mux.HandleFunc(push.DefaultPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			select {
			case msg := <-fs.updates:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func consoleSet(node, key string, value any) console.SetParameter {
	return console.SetParameter{Node: graph.NodeKey(node), Key: key, Value: value}
}

func nodesLoaded(names ...string) console.NodesLoaded {
	nodes := make(map[string]*graph.GraphNode, len(names))
	for _, n := range names {
		nodes[n] = &graph.GraphNode{ID: graph.NodeKey(n), Label: n}
	}
	return console.NodesLoaded{Nodes: nodes}
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + push.DefaultPath
}

func TestSession_Refresh(t *testing.T) {
	fs := newFakeServer(t)
	s, err := Open(Options{URL: fs.URL})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Refresh(context.Background()))

	assert.Equal(t, []string{"retune"}, s.Store.WorkflowNames())
	nodes, err := s.Store.Nodes()
	require.NoError(t, err)
	require.Contains(t, nodes, "rabi")
	assert.Equal(t, "Power Rabi", nodes["rabi"].Label)

	projects, active := s.Store.Projects()
	assert.Equal(t, []string{"lab", "demo"}, projects)
	assert.Equal(t, "lab", active)
	assert.Equal(t, runstatus.PhaseIdle, s.Store.RunStatus().Phase)
}

func TestSession_RefreshReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s, err := Open(Options{URL: srv.URL})
	require.NoError(t, err)
	defer s.Close()

	err = s.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graphs")
	assert.Contains(t, err.Error(), "last run")
	_, gerr := s.Store.Graphs()
	assert.Error(t, gerr)
}

func TestSession_SubmitJournalsRequestAndAnswer(t *testing.T) {
	fs := newFakeServer(t)
	journal := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(Options{URL: fs.URL, JournalPath: journal})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Refresh(context.Background()))

	require.NoError(t, s.Store.Dispatch(consoleSet("rabi", "amplitude", "0.8")))
	result, err := s.Submit(context.Background(), "rabi")
	require.NoError(t, err)
	assert.Equal(t, "7", result.JobID)

	body := <-fs.submitted
	assert.Equal(t, "rabi", body["name"])
	assert.Equal(t, map[string]any{"amplitude": 0.8, "simulate": false}, body["parameters"])

	info := s.Store.RunStatus()
	assert.Equal(t, "7", info.RunID)
	assert.Equal(t, "rabi", info.Target)

	entries, err := s.Journal.ReadEntries(context.Background(), store.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.EntrySubmitted, entries[0].Kind)
	assert.Equal(t, store.EntryAccepted, entries[1].Kind)
	assert.Equal(t, "7", entries[1].RunID)
}

func TestSession_SubmitRejected(t *testing.T) {
	fs := newFakeServer(t)
	s, err := Open(Options{URL: fs.URL})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store.Dispatch(nodesLoaded("busy")))
	_, err = s.Submit(context.Background(), "busy")
	var rej *runstatus.ResponseStatusError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Already running", rej.Message)
	assert.Same(t, rej, s.Store.SubmissionError("busy"))
}

func TestSession_SubmitTransportFailureIsJournaled(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	s, err := Open(Options{URL: down.URL, JournalPath: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store.Dispatch(nodesLoaded("rabi")))
	_, err = s.Submit(context.Background(), "rabi")
	require.Error(t, err)
	require.NotNil(t, s.Store.SubmissionError("rabi"))

	entries, err := s.Journal.ReadEntries(context.Background(), store.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.EntrySubmitted, entries[0].Kind)
	assert.Equal(t, store.EntryRejected, entries[1].Kind)
	assert.Equal(t, "rabi", entries[1].Target)

	var rej runstatus.ResponseStatusError
	require.NoError(t, json.Unmarshal(entries[1].Payload, &rej))
	assert.Equal(t, "RequestFailed", rej.Name)
	assert.Equal(t, "rabi", rej.NodeName)
}

func TestSession_SubmitWorkflowUsesDefaults(t *testing.T) {
	fs := newFakeServer(t)
	var got map[string]any
	fs.Config.Handler.(*http.ServeMux).HandleFunc("/execution/submit/workflow", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"jobId": "w1"}`)
	})
	s, err := Open(Options{URL: fs.URL})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Refresh(context.Background()))

	result, err := s.SubmitWorkflow(context.Background(), "retune")
	require.NoError(t, err)
	assert.Equal(t, "w1", result.JobID)
	assert.Equal(t, "retune", got["name"])
	assert.Equal(t, map[string]any{"qubits": "q1"}, got["parameters"])

	_, err = s.SubmitWorkflow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSession_RunFeedsStore(t *testing.T) {
	fs := newFakeServer(t)
	s, err := Open(Options{URL: fs.URL, WSURL: fs.wsURL()})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fs.updates <- `{"run_id":"r9","seq":1,"status":"running","active_node":"rabi","finished_nodes":1,"total_nodes":2}`
	require.Eventually(t, func() bool {
		return s.Store.RunStatus().RunID == "r9"
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, s.Store.Connection(time.Now()).Connected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSession_RunWithoutChannel(t *testing.T) {
	s, err := Open(Options{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.Run(context.Background()))
}

func TestSession_RefreshFallsBackToCachedCatalog(t *testing.T) {
	fs := newFakeServer(t)
	cacheDir := t.TempDir()

	s, err := Open(Options{URL: fs.URL, CacheDir: cacheDir})
	require.NoError(t, err)
	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.Close())

	// Same endpoint, server gone.
	fs.Close()
	s, err = Open(Options{URL: fs.URL, CacheDir: cacheDir})
	require.NoError(t, err)
	defer s.Close()

	err = s.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "showing cached graphs")
	assert.Equal(t, []string{"retune"}, s.Store.WorkflowNames())
	nodes, _ := s.Store.Nodes()
	assert.Contains(t, nodes, "rabi")
}

func TestCountJoined(t *testing.T) {
	a, b, c := errors.New("a"), errors.New("b"), errors.New("c")
	assert.Equal(t, 1, countJoined(a))
	assert.Equal(t, 3, countJoined(errors.Join(a, errors.Join(b, c))))
}
