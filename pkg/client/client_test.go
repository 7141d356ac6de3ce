package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

func TestClient_SubmitNode(t *testing.T) {
	tests := []struct {
		name         string
		serverStatus int
		serverBody   string
		wantJobID    string
		wantReject   bool
		wantErr      bool
	}{
		{
			name:         "Accepted",
			serverStatus: http.StatusOK,
			serverBody:   `{"jobId": 17, "status": "pending"}`,
			wantJobID:    "17",
		},
		{
			name:         "AcceptedStringID",
			serverStatus: http.StatusAccepted,
			serverBody:   `{"jobId": "abc", "status": "pending"}`,
			wantJobID:    "abc",
		},
		{
			name:         "Rejected",
			serverStatus: http.StatusUnprocessableEntity,
			serverBody:   `{"name": "ValidationError", "message": "amplitude must be < 1"}`,
			wantReject:   true,
		},
		{
			name:         "RejectedDetail",
			serverStatus: http.StatusConflict,
			serverBody:   `{"detail": "Already running"}`,
			wantReject:   true,
		},
		{
			name:         "ServerError",
			serverStatus: http.StatusInternalServerError,
			serverBody:   `boom`,
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/execution/submit/node" {
					t.Errorf("Expected path /execution/submit/node, got %s", r.URL.Path)
				}
				if r.Method != http.MethodPost {
					t.Errorf("Expected method POST, got %s", r.Method)
				}
				var req SubmitRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if req.Name != "rabi" || req.Parameters["amp"] != 0.5 {
					t.Errorf("unexpected request %+v", req)
				}
				w.WriteHeader(tt.serverStatus)
				w.Write([]byte(tt.serverBody))
			}))
			defer server.Close()

			c := NewClient(server.URL)
			got, err := c.SubmitNode(context.Background(), SubmitRequest{Name: "rabi", Parameters: map[string]any{"amp": 0.5}})

			var rej *runstatus.ResponseStatusError
			switch {
			case tt.wantReject:
				if !errors.As(err, &rej) {
					t.Fatalf("expected ResponseStatusError, got %v", err)
				}
				if rej.NodeName != "rabi" || rej.Message == "" {
					t.Errorf("unexpected rejection %+v", rej)
				}
			case tt.wantErr:
				var httpErr *HTTPError
				if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.serverStatus {
					t.Fatalf("expected HTTPError %d, got %v", tt.serverStatus, err)
				}
			default:
				if err != nil {
					t.Fatalf("SubmitNode() error = %v", err)
				}
				if got.JobID != tt.wantJobID {
					t.Errorf("JobID = %q, want %q", got.JobID, tt.wantJobID)
				}
			}
		})
	}
}

func TestClient_SubmitRequiresName(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if _, err := c.SubmitWorkflow(context.Background(), SubmitRequest{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestClient_GetGraphsAndNodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/execution/get_graphs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"good": {"nodes": [{"id": "a"}, {"id": "b"}], "edges": [{"source": "a", "target": "b"}]},
			"bad": {"nodes": [{"id": "a"}], "edges": [{"source": "a", "target": "zzz"}]}
		}`))
	})
	mux.HandleFunc("/execution/get_nodes", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rabi": {"title": "Power Rabi", "parameters": {"amp": {"type": "number", "default": 0.1}}}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(server.URL)
	graphs, err := c.GetGraphs(context.Background())
	if err == nil {
		t.Error("expected an error for the bad workflow")
	}
	if _, ok := graphs["good"]; !ok || len(graphs) != 1 {
		t.Errorf("expected only the good workflow, got %v", graphs)
	}

	nodes, err := c.GetNodes(context.Background())
	if err != nil {
		t.Fatalf("GetNodes() error = %v", err)
	}
	rabi := nodes["rabi"]
	if rabi == nil || rabi.Label != "Power Rabi" || rabi.Parameters["amp"].Default != 0.1 {
		t.Errorf("unexpected node %+v", rabi)
	}
}

func TestClient_LastRun(t *testing.T) {
	body := `null`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execution/last_run/" {
			t.Errorf("Expected path /execution/last_run/, got %s", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	got, err := c.LastRun(context.Background())
	if err != nil || got != nil {
		t.Fatalf("LastRun() = %v, %v; want nil, nil", got, err)
	}

	body = `{"run_id": "7", "name": "retune", "status": "error", "run_duration": 4.5,
		"error": {"error_class": "ValueError", "message": "bad", "traceback": ["a", "b"]}}`
	got, err = c.LastRun(context.Background())
	if err != nil {
		t.Fatalf("LastRun() error = %v", err)
	}
	if got.Status != runstatus.StatusError || got.Error == nil || got.Error.Kind != "ValueError" {
		t.Errorf("unexpected last run %+v", got)
	}
}

func TestClient_Projects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name": "alpha", "nodes_number": 4}, {"name": "beta"}]`))
	})
	mux.HandleFunc("/api/project/active", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`"` + r.URL.Query().Get("active_project") + `"`))
			return
		}
		w.Write([]byte(`"alpha"`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(server.URL)
	projects, err := c.Projects(context.Background())
	if err != nil || len(projects) != 2 || projects[0].NodesNumber != 4 {
		t.Fatalf("Projects() = %v, %v", projects, err)
	}
	active, err := c.ActiveProject(context.Background())
	if err != nil || active != "alpha" {
		t.Errorf("ActiveProject() = %q, %v", active, err)
	}
	active, err = c.SetActiveProject(context.Background(), "beta")
	if err != nil || active != "beta" {
		t.Errorf("SetActiveProject() = %q, %v", active, err)
	}
}

func TestClient_Snapshots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot/3/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 3, "created_at": "2026-03-01T12:00:00Z", "metadata": {"name": "rabi"}, "data": {"q1": {"amp": 0.2}}}`))
	})
	mux.HandleFunc("/api/snapshot/3/compare", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id_to_compare") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"q1.amp": {"old": 0.1, "new": 0.2}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(server.URL)
	snap, err := c.Snapshot(context.Background(), 3)
	if err != nil || snap.ID != 3 || snap.Metadata["name"] != "rabi" {
		t.Fatalf("Snapshot() = %+v, %v", snap, err)
	}
	diff, err := c.CompareSnapshots(context.Background(), 3, 2)
	if err != nil {
		t.Fatalf("CompareSnapshots() error = %v", err)
	}
	if d := diff["q1.amp"]; d.Old != 0.1 || d.New != 0.2 {
		t.Errorf("unexpected diff %+v", d)
	}
}

func TestClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execution/is_running" {
			t.Errorf("Expected path /execution/is_running, got %s", r.URL.Path)
		}
		if r.Header.Get("Cookie") != "session=x" {
			t.Errorf("missing session cookie")
		}
		w.Write([]byte(`false`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	c.SetHeader("Cookie", "session=x")
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
