package graph

import "fmt"

// NodeKey identifies a node within one graph level. Numeric ids sent by the
// server are normalised to their decimal text.
type NodeKey string

// Position is the layout hint for a node or edge.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Loop describes the repetition metadata of a node or an edge.
type Loop struct {
	Label         *string `json:"label,omitempty"`
	Condition     *string `json:"condition,omitempty"`
	MaxIterations *int    `json:"max_iterations,omitempty"`
}

// Condition is the predicate carried by a conditional edge.
type Condition struct {
	Label   string `json:"label,omitempty"`
	Content string `json:"content,omitempty"`
}

// Parameter is the metadata of a single node or workflow parameter.
// Default is the catalog value; it is never overwritten by user edits.
type Parameter struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Default     any    `json:"default"`
}

// Parameter types with special handling in the console.
const (
	ParamBoolean = "boolean"
	ParamNumber  = "number"
	ParamInteger = "integer"
	ParamString  = "string"
)

// GraphNode is a calibration step, or a container when Subgraph is set.
type GraphNode struct {
	ID         NodeKey              `json:"id"`
	Label      string               `json:"label"`
	Position   Position             `json:"position"`
	Loop       *Loop                `json:"loop,omitempty"`
	Subgraph   *WorkflowGraph       `json:"subgraph,omitempty"`
	Parameters map[string]Parameter `json:"parameters,omitempty"`
}

// IsContainer reports whether the node holds a nested graph.
func (n *GraphNode) IsContainer() bool {
	return n != nil && n.Subgraph != nil
}

// LoopLabels returns the labels rendered next to a looping node.
func (n *GraphNode) LoopLabels() []string {
	if n == nil {
		return nil
	}
	return LoopLabels(n.Loop)
}

// GraphEdge connects two nodes of the same level. Endpoints are looked up by
// key; the edge never owns the nodes.
type GraphEdge struct {
	Source    NodeKey    `json:"source"`
	Target    NodeKey    `json:"target"`
	Condition *Condition `json:"condition,omitempty"`
	Loop      *Loop      `json:"loop,omitempty"`
	Position  *Position  `json:"position,omitempty"`
}

// ID returns the "{source}-{target}" identifier of the edge.
func (e *GraphEdge) ID() string {
	return fmt.Sprintf("%s-%s", e.Source, e.Target)
}

// Labels returns the labels drawn on the edge. Loop and condition metadata
// are merged: the loop's label and condition win, the edge condition fills
// whatever the loop leaves unset.
func (e *GraphEdge) Labels() []string {
	if e.Loop == nil && e.Condition == nil {
		return nil
	}
	merged := Loop{}
	if e.Loop != nil {
		merged = *e.Loop
	}
	if c := e.Condition; c != nil {
		if merged.Label == nil || *merged.Label == "" {
			if c.Label != "" {
				merged.Label = &c.Label
			}
		}
		if merged.Condition == nil || *merged.Condition == "" {
			content := c.Content
			if content == "" {
				content = "condition"
			}
			merged.Condition = &content
		}
	}
	return LoopLabels(&merged)
}

// WorkflowGraph is one level of a workflow: an arena of nodes keyed by id plus
// the edges between them. Nested levels hang off container nodes.
type WorkflowGraph struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Order       []NodeKey              `json:"order"`
	Nodes       map[NodeKey]*GraphNode `json:"nodes"`
	Edges       []*GraphEdge           `json:"edges"`
	Parameters  map[string]Parameter   `json:"parameters,omitempty"`
}

// NewGraph creates an empty graph level.
func NewGraph(name string) *WorkflowGraph {
	return &WorkflowGraph{
		Name:  name,
		Nodes: make(map[NodeKey]*GraphNode),
		Edges: make([]*GraphEdge, 0),
	}
}

// AddNode adds a node, keeping insertion order.
func (g *WorkflowGraph) AddNode(n *GraphNode) {
	if _, exists := g.Nodes[n.ID]; !exists {
		g.Order = append(g.Order, n.ID)
	}
	g.Nodes[n.ID] = n
}

// AddEdge adds an edge to the graph.
func (g *WorkflowGraph) AddEdge(e *GraphEdge) {
	g.Edges = append(g.Edges, e)
}

// Node returns the node with the given key, or nil.
func (g *WorkflowGraph) Node(key NodeKey) *GraphNode {
	if g == nil {
		return nil
	}
	return g.Nodes[key]
}

// OrderedNodes returns the nodes in server order.
func (g *WorkflowGraph) OrderedNodes() []*GraphNode {
	if g == nil {
		return nil
	}
	out := make([]*GraphNode, 0, len(g.Order))
	for _, key := range g.Order {
		if n, ok := g.Nodes[key]; ok {
			out = append(out, n)
		}
	}
	return out
}

// EdgesFrom returns the outgoing edges of a node.
func (g *WorkflowGraph) EdgesFrom(key NodeKey) []*GraphEdge {
	var out []*GraphEdge
	for _, e := range g.Edges {
		if e.Source == key {
			out = append(out, e)
		}
	}
	return out
}
