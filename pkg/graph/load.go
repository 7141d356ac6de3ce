package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ParseError reports a malformed graph payload. Path is the chain of container
// nodes leading to the level where the problem was found.
type ParseError struct {
	Workflow string
	Path     []NodeKey
	Reason   string
}

func (e *ParseError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("graph %q: %s", e.Workflow, e.Reason)
	}
	return fmt.Sprintf("graph %q at %s: %s", e.Workflow, JoinPath(e.Path), e.Reason)
}

// JoinPath renders a node path as "a/b/c".
func JoinPath(path []NodeKey) string {
	parts := make([]string, len(path))
	for i, k := range path {
		parts[i] = string(k)
	}
	return strings.Join(parts, "/")
}

// SplitPath parses "a/b/c" into a node path. An empty string is the root.
func SplitPath(s string) []NodeKey {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "/")
	out := make([]NodeKey, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, NodeKey(p))
		}
	}
	return out
}

// rawKey accepts both numeric and string identifiers.
type rawKey NodeKey

func (k *rawKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = rawKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("node id must be a string or a number: %w", err)
	}
	*k = rawKey(n.String())
	return nil
}

type rawLoop struct {
	Label         *string `json:"label"`
	Condition     *string `json:"condition"`
	Content       *string `json:"content"`
	MaxIterations *int    `json:"max_iterations"`
}

func (r *rawLoop) toLoop() *Loop {
	if r == nil {
		return nil
	}
	cond := r.Condition
	if cond == nil {
		cond = r.Content
	}
	return &Loop{Label: r.Label, Condition: cond, MaxIterations: r.MaxIterations}
}

type rawNode struct {
	ID         rawKey               `json:"id"`
	Label      string               `json:"label"`
	Name       string               `json:"name"`
	Position   *Position            `json:"position"`
	Loop       *rawLoop             `json:"loop"`
	Subgraph   *rawGraph            `json:"subgraph"`
	Parameters map[string]Parameter `json:"parameters"`
}

type rawEdge struct {
	Source   rawKey    `json:"source"`
	Target   rawKey    `json:"target"`
	Position *Position `json:"position"`
	Data     struct {
		Condition json.RawMessage `json:"condition"`
		Loop      *rawLoop        `json:"loop"`
	} `json:"data"`
}

type rawGraph struct {
	Name        string               `json:"name"`
	Description *string              `json:"description"`
	Parameters  map[string]Parameter `json:"parameters"`
	Nodes       []rawNode            `json:"nodes"`
	Edges       []rawEdge            `json:"edges"`
}

// LoadGraph parses one workflow graph. The payload is checked against the
// graph schema, then for duplicate node ids, duplicate edges and edges whose
// endpoints are missing at their level.
func LoadGraph(name string, raw []byte) (*WorkflowGraph, error) {
	violations, err := validateShape(raw)
	if err != nil {
		return nil, fmt.Errorf("graph schema: %w", err)
	}
	if len(violations) > 0 {
		return nil, &ParseError{Workflow: name, Reason: "invalid shape: " + strings.Join(violations, "; ")}
	}

	var rg rawGraph
	if err := json.Unmarshal(raw, &rg); err != nil {
		return nil, &ParseError{Workflow: name, Reason: err.Error()}
	}
	if rg.Name == "" {
		rg.Name = name
	}
	return build(name, nil, &rg)
}

// LoadGraphs parses the body of /execution/get_graphs, a map of workflow name
// to graph. Graphs that parse are returned even when others fail; the error
// joins every ParseError encountered.
func LoadGraphs(raw []byte) (map[string]*WorkflowGraph, error) {
	var byName map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("expected an object of workflows: %v", err)}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	graphs := make(map[string]*WorkflowGraph, len(byName))
	var errs []error
	for _, name := range names {
		g, err := LoadGraph(name, byName[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		graphs[name] = g
	}
	return graphs, errors.Join(errs...)
}

func build(workflow string, path []NodeKey, rg *rawGraph) (*WorkflowGraph, error) {
	g := NewGraph(rg.Name)
	if rg.Description != nil {
		g.Description = *rg.Description
	}
	g.Parameters = rg.Parameters

	for i := range rg.Nodes {
		rn := &rg.Nodes[i]
		key := NodeKey(rn.ID)
		if key == "" {
			return nil, &ParseError{Workflow: workflow, Path: path, Reason: fmt.Sprintf("node #%d has an empty id", i)}
		}
		if _, dup := g.Nodes[key]; dup {
			return nil, &ParseError{Workflow: workflow, Path: path, Reason: fmt.Sprintf("duplicate node id %q", key)}
		}

		node := &GraphNode{
			ID:         key,
			Label:      firstNonEmpty(rn.Label, rn.Name, string(key)),
			Loop:       rn.Loop.toLoop(),
			Parameters: rn.Parameters,
		}
		if rn.Position != nil {
			node.Position = *rn.Position
		}
		if rn.Subgraph != nil {
			if rn.Subgraph.Name == "" {
				rn.Subgraph.Name = node.Label
			}
			sub, err := build(workflow, appendPath(path, key), rn.Subgraph)
			if err != nil {
				return nil, err
			}
			node.Subgraph = sub
		}
		g.AddNode(node)
	}

	seen := make(map[string]struct{}, len(rg.Edges))
	for i := range rg.Edges {
		re := &rg.Edges[i]
		edge := &GraphEdge{
			Source:   NodeKey(re.Source),
			Target:   NodeKey(re.Target),
			Loop:     re.Data.Loop.toLoop(),
			Position: re.Position,
		}
		if _, ok := g.Nodes[edge.Source]; !ok {
			return nil, &ParseError{Workflow: workflow, Path: path, Reason: fmt.Sprintf("edge %s: unknown source %q", edge.ID(), edge.Source)}
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, &ParseError{Workflow: workflow, Path: path, Reason: fmt.Sprintf("edge %s: unknown target %q", edge.ID(), edge.Target)}
		}
		if _, dup := seen[edge.ID()]; dup {
			return nil, &ParseError{Workflow: workflow, Path: path, Reason: fmt.Sprintf("duplicate edge %s", edge.ID())}
		}
		seen[edge.ID()] = struct{}{}

		cond, err := decodeCondition(re.Data.Condition)
		if err != nil {
			return nil, &ParseError{Workflow: workflow, Path: path, Reason: fmt.Sprintf("edge %s: %v", edge.ID(), err)}
		}
		edge.Condition = cond
		g.AddEdge(edge)
	}

	return g, nil
}

func decodeCondition(raw json.RawMessage) (*Condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &Condition{Content: s}, nil
	}
	var c struct {
		Label   *string `json:"label"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	out := &Condition{}
	if c.Label != nil {
		out.Label = *c.Label
	}
	if c.Content != nil {
		out.Content = *c.Content
	}
	return out, nil
}

func appendPath(path []NodeKey, key NodeKey) []NodeKey {
	out := make([]NodeKey, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
