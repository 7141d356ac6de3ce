package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"
)

// ToDOT renders one level of a workflow as a Graphviz digraph. Container
// nodes are drawn as boxes and loop labels are attached to nodes and edges.
func ToDOT(g *WorkflowGraph) (string, error) {
	if g == nil {
		return "", fmt.Errorf("nil graph")
	}
	out := gographviz.NewGraph()
	name := strconv.Quote(firstNonEmpty(g.Name, "workflow"))
	if err := out.SetName(name); err != nil {
		return "", err
	}
	if err := out.SetDir(true); err != nil {
		return "", err
	}

	for _, n := range g.OrderedNodes() {
		attrs := map[string]string{
			"label": strconv.Quote(n.Label),
		}
		if n.IsContainer() {
			attrs["shape"] = "box"
		}
		if labels := n.LoopLabels(); len(labels) > 0 {
			attrs["xlabel"] = strconv.Quote(strings.Join(labels, "\n"))
		}
		if err := out.AddNode(name, strconv.Quote(string(n.ID)), attrs); err != nil {
			return "", fmt.Errorf("node %s: %w", n.ID, err)
		}
	}

	for _, e := range g.Edges {
		attrs := map[string]string{}
		if labels := e.Labels(); len(labels) > 0 {
			attrs["label"] = strconv.Quote(strings.Join(labels, "\n"))
		}
		if e.Loop != nil {
			attrs["style"] = "dashed"
		}
		src := strconv.Quote(string(e.Source))
		dst := strconv.Quote(string(e.Target))
		if err := out.AddEdge(src, dst, true, attrs); err != nil {
			return "", fmt.Errorf("edge %s: %w", e.ID(), err)
		}
	}

	return out.String(), nil
}
