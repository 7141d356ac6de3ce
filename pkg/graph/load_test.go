package graph

import (
	"errors"
	"strings"
	"testing"
)

const calibrationGraph = `{
  "name": "full_calibration",
  "description": "Resonator then qubit spectroscopy",
  "parameters": {"qubits": {"title": "Qubits", "type": "array", "default": ["q1", "q2"]}},
  "nodes": [
    {"id": 1, "name": "resonator_spectroscopy", "position": {"x": 0, "y": 0},
     "parameters": {"frequency_span": {"type": "number", "default": 15.5}}},
    {"id": 2, "label": "rabi_loop",
     "loop": {"content": "fidelity < 0.99", "max_iterations": 3},
     "subgraph": {
       "nodes": [{"id": "power_rabi"}, {"id": "ramsey"}],
       "edges": [{"source": "power_rabi", "target": "ramsey"}]
     }},
    {"id": "readout"}
  ],
  "edges": [
    {"source": 1, "target": 2, "data": {"condition": "success"}},
    {"source": 2, "target": "readout", "data": {"loop": {"max_iterations": 2}}}
  ]
}`

func TestLoadGraph(t *testing.T) {
	g, err := LoadGraph("full_calibration", []byte(calibrationGraph))
	if err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}

	if g.Description != "Resonator then qubit spectroscopy" {
		t.Errorf("unexpected description %q", g.Description)
	}
	wantOrder := []NodeKey{"1", "2", "readout"}
	if len(g.Order) != len(wantOrder) {
		t.Fatalf("expected %d nodes, got %d", len(wantOrder), len(g.Order))
	}
	for i, k := range wantOrder {
		if g.Order[i] != k {
			t.Errorf("Order[%d] = %q, want %q", i, g.Order[i], k)
		}
	}

	n1 := g.Node("1")
	if n1.Label != "resonator_spectroscopy" {
		t.Errorf("label fallback to name failed: %q", n1.Label)
	}
	if n1.Parameters["frequency_span"].Default != 15.5 {
		t.Errorf("unexpected default %v", n1.Parameters["frequency_span"].Default)
	}
	if g.Node("readout").Label != "readout" {
		t.Errorf("label fallback to id failed: %q", g.Node("readout").Label)
	}

	loopNode := g.Node("2")
	if !loopNode.IsContainer() {
		t.Fatal("expected node 2 to carry a subgraph")
	}
	if loopNode.Subgraph.Name != "rabi_loop" {
		t.Errorf("subgraph name = %q, want rabi_loop", loopNode.Subgraph.Name)
	}
	if got := loopNode.LoopLabels(); len(got) != 2 || got[0] != "condition" || got[1] != "max 3" {
		t.Errorf("loop labels = %q", got)
	}

	if len(g.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(g.Edges))
	}
	if g.Edges[0].Condition == nil || g.Edges[0].Condition.Content != "success" {
		t.Errorf("string condition not decoded: %+v", g.Edges[0].Condition)
	}
	if got := g.Edges[1].Labels(); len(got) != 1 || got[0] != "2×" {
		t.Errorf("edge loop labels = %q", got)
	}
}

func TestLoadGraph_Errors(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantReason string
		wantPath   string
	}{
		{
			name:       "not json",
			raw:        `{nodes: [}`,
			wantReason: "invalid shape",
		},
		{
			name:       "missing nodes",
			raw:        `{"edges": []}`,
			wantReason: "invalid shape",
		},
		{
			name:       "bad id type",
			raw:        `{"nodes": [{"id": true}]}`,
			wantReason: "invalid shape",
		},
		{
			name:       "duplicate node",
			raw:        `{"nodes": [{"id": 1}, {"id": "1"}]}`,
			wantReason: `duplicate node id "1"`,
		},
		{
			name:       "unknown edge target",
			raw:        `{"nodes": [{"id": "a"}], "edges": [{"source": "a", "target": "b"}]}`,
			wantReason: `unknown target "b"`,
		},
		{
			name:       "unknown edge source",
			raw:        `{"nodes": [{"id": "a"}], "edges": [{"source": "z", "target": "a"}]}`,
			wantReason: `unknown source "z"`,
		},
		{
			name:       "duplicate edge",
			raw:        `{"nodes": [{"id": "a"}, {"id": "b"}], "edges": [{"source": "a", "target": "b"}, {"source": "a", "target": "b"}]}`,
			wantReason: "duplicate edge a-b",
		},
		{
			name: "error inside subgraph",
			raw: `{"nodes": [{"id": "outer", "subgraph": {
				"nodes": [{"id": "x"}], "edges": [{"source": "x", "target": "y"}]}}]}`,
			wantReason: `unknown target "y"`,
			wantPath:   "outer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadGraph("wf", []byte(tt.raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if !strings.Contains(perr.Reason, tt.wantReason) {
				t.Errorf("reason %q does not contain %q", perr.Reason, tt.wantReason)
			}
			if got := JoinPath(perr.Path); got != tt.wantPath {
				t.Errorf("path = %q, want %q", got, tt.wantPath)
			}
			if perr.Workflow != "wf" {
				t.Errorf("workflow = %q, want wf", perr.Workflow)
			}
		})
	}
}

func TestLoadGraphs_PartialFailure(t *testing.T) {
	raw := `{
	  "good": {"nodes": [{"id": "a"}]},
	  "bad": {"nodes": [{"id": "a"}, {"id": "a"}]}
	}`
	graphs, err := LoadGraphs([]byte(raw))
	if err == nil {
		t.Fatal("expected joined error for the bad workflow")
	}
	if _, ok := graphs["good"]; !ok {
		t.Error("expected the good workflow to be loaded")
	}
	if _, ok := graphs["bad"]; ok {
		t.Error("bad workflow should not be loaded")
	}
	if graphs["good"].Name != "good" {
		t.Errorf("name defaulted to %q", graphs["good"].Name)
	}

	if _, err := LoadGraphs([]byte(`[]`)); err == nil {
		t.Error("expected error for non-object body")
	}
}

func TestSplitJoinPath(t *testing.T) {
	if got := SplitPath(""); got != nil {
		t.Errorf("SplitPath(\"\") = %q", got)
	}
	got := SplitPath("/a//b/")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("SplitPath = %q", got)
	}
	if JoinPath(got) != "a/b" {
		t.Errorf("JoinPath = %q", JoinPath(got))
	}
}
