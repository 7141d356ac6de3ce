package graph

// GetNodeAtPath descends through subgraphs following path and returns the node
// named by its last segment. It returns nil when any segment is missing or
// when an intermediate node has no subgraph.
func GetNodeAtPath(g *WorkflowGraph, path []NodeKey) *GraphNode {
	if g == nil || len(path) == 0 {
		return nil
	}
	current := g
	var node *GraphNode
	for i, key := range path {
		node = current.Node(key)
		if node == nil {
			return nil
		}
		if i < len(path)-1 {
			if node.Subgraph == nil {
				return nil
			}
			current = node.Subgraph
		}
	}
	return node
}

// ResolveCurrentGraph starts at all[selected] and steps into the subgraph of
// each breadcrumb in turn. When a step cannot be taken the walk stops and the
// last graph reached is returned, together with the number of breadcrumbs
// consumed. The graph is nil only when the workflow itself is unknown.
func ResolveCurrentGraph(all map[string]*WorkflowGraph, selected string, crumbs []NodeKey) (*WorkflowGraph, int) {
	current, ok := all[selected]
	if !ok || current == nil {
		return nil, 0
	}
	for i, key := range crumbs {
		node := current.Node(key)
		if node == nil || node.Subgraph == nil {
			return current, i
		}
		current = node.Subgraph
	}
	return current, len(crumbs)
}
