package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qua-platform/qualibrate-console/pkg/client"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/params"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// Server adapts the Qualibrate execution server to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance backed by api.
func NewServer(api *client.Client) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"qualibrate",
			"1.0.0",
		),
		apiClient: api,
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"qualibrate://graphs",
		"Calibration Workflows",
		mcp.WithResourceDescription("Workflow graphs known to the execution server, with their nodes and loop labels"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraphs)

	s.mcpServer.AddResource(mcp.NewResource(
		"qualibrate://last-run",
		"Last Run Status",
		mcp.WithResourceDescription("Status of the most recent run, including any error payload"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadLastRun)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"submit_node",
		mcp.WithDescription("Run a calibration node. Parameters not given keep their server defaults."),
		mcp.WithString("name", mcp.Required(), mcp.Description("The node to run (e.g., 'power_rabi')")),
		mcp.WithString("parameters", mcp.Description("JSON object of parameter overrides")),
	), s.handleSubmitNode)

	s.mcpServer.AddTool(mcp.NewTool(
		"get_graph",
		mcp.WithDescription("Render one level of a workflow graph as Graphviz DOT."),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("path", mcp.Description("Slash-separated container node ids to descend into")),
	), s.handleGetGraph)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"qualibrate-aware",
		mcp.WithPromptDescription("Provides context about Qualibrate concepts (Nodes, Workflows, Runs)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

type graphSummary struct {
	Name  string        `json:"name"`
	Nodes []nodeSummary `json:"nodes"`
	Edges []edgeSummary `json:"edges"`
}

type nodeSummary struct {
	ID        graph.NodeKey `json:"id"`
	Label     string        `json:"label"`
	Container bool          `json:"container,omitempty"`
	Loop      []string      `json:"loop,omitempty"`
}

type edgeSummary struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels,omitempty"`
}

func summarize(g *graph.WorkflowGraph) graphSummary {
	out := graphSummary{Name: g.Name}
	for _, n := range g.OrderedNodes() {
		out.Nodes = append(out.Nodes, nodeSummary{ID: n.ID, Label: n.Label, Container: n.IsContainer(), Loop: n.LoopLabels()})
	}
	for _, e := range g.Edges {
		out.Edges = append(out.Edges, edgeSummary{ID: e.ID(), Labels: e.Labels()})
	}
	return out
}

func (s *Server) handleReadGraphs(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	graphs, err := s.apiClient.GetGraphs(ctx)
	if graphs == nil && err != nil {
		return nil, fmt.Errorf("failed to fetch graphs: %w", err)
	}

	names := make([]string, 0, len(graphs))
	for name := range graphs {
		names = append(names, name)
	}
	sort.Strings(names)

	payload := struct {
		Workflows []graphSummary `json:"workflows"`
		Errors    string         `json:"errors,omitempty"`
	}{}
	for _, name := range names {
		payload.Workflows = append(payload.Workflows, summarize(graphs[name]))
	}
	if err != nil {
		payload.Errors = err.Error()
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graphs: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadLastRun(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	last, err := s.apiClient.LastRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last run: %w", err)
	}

	var info *runstatus.Info
	if last != nil {
		r := runstatus.NewReconciler()
		r.Restore(*last)
		i := r.Info()
		info = &i
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last run: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSubmitNode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "name", "")
	rawParams := mcp.ParseString(request, "parameters", "")

	nodes, err := s.apiClient.GetNodes(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	node, ok := nodes[name]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown node %q", name)), nil
	}

	overrides := params.NewOverrides()
	path := params.Path{Node: node.ID}
	if rawParams != "" {
		var given map[string]any
		if err := json.Unmarshal([]byte(rawParams), &given); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("parameters must be a JSON object: %v", err)), nil
		}
		for k, v := range given {
			overrides.Set(path, k, v)
		}
	}

	result, err := s.apiClient.SubmitNode(ctx, client.SubmitRequest{
		Name:       name,
		Parameters: overrides.Submission(path, node.Parameters),
	})
	var rejected *runstatus.ResponseStatusError
	if errors.As(err, &rejected) {
		return mcp.NewToolResultError(rejected.Error()), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Submitted %s\nJob: %s\nStatus: %s", name, result.JobID, result.Status)), nil
}

func (s *Server) handleGetGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow := mcp.ParseString(request, "workflow", "")
	path := graph.SplitPath(mcp.ParseString(request, "path", ""))

	graphs, err := s.apiClient.GetGraphs(ctx)
	if graphs == nil && err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	g, consumed := graph.ResolveCurrentGraph(graphs, workflow, path)
	if g == nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown workflow %q", workflow)), nil
	}
	dot, err := graph.ToDOT(g)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", err)), nil
	}
	if consumed < len(path) {
		dot = fmt.Sprintf("// path resolved to %s\n%s", graph.JoinPath(path[:consumed]), dot)
	}
	return mcp.NewToolResultText(dot), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "qualibrate-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are operating Qualibrate, a calibration orchestration platform for quantum hardware.

Concepts:
- Node: A single calibration step (e.g., 'resonator_spectroscopy', 'power_rabi') with typed parameters.
- Workflow: A directed graph of nodes. Loop nodes repeat a nested subgraph up to max_iterations times.
- Run: One execution of a node or workflow. Only one run executes at a time.

Read qualibrate://last-run before submitting: if a run is still in progress, wait for it to finish.
Use 'submit_node' with only the parameters you need to change; the rest keep their defaults.
`

	return mcp.NewGetPromptResult(
		"qualibrate-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
