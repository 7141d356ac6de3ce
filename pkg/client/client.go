// Package client is the REST SDK for the Qualibrate execution server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// DefaultEndpoint is used when NewClient receives an empty endpoint.
const DefaultEndpoint = "http://127.0.0.1:8001"

// Client is the Qualibrate SDK client.
type Client struct {
	endpoint string
	http     *http.Client
	header   http.Header
}

// NewClient creates a new client.
// endpoint defaults to DefaultEndpoint if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		header: make(http.Header),
	}
}

// SetHeader adds a header (for example the session cookie) to every request.
func (c *Client) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// Endpoint returns the server root.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// GetGraphsRaw returns the undecoded body of /execution/get_graphs.
func (c *Client) GetGraphsRaw(ctx context.Context) ([]byte, error) {
	return c.getRaw(ctx, "/execution/get_graphs")
}

// GetGraphs fetches and parses every workflow graph. Graphs that parse are
// returned alongside the error describing those that did not.
func (c *Client) GetGraphs(ctx context.Context) (map[string]*graph.WorkflowGraph, error) {
	raw, err := c.GetGraphsRaw(ctx)
	if err != nil {
		return nil, err
	}
	return graph.LoadGraphs(raw)
}

type nodeDef struct {
	Name        string                     `json:"name"`
	Title       string                     `json:"title"`
	Description string                     `json:"description"`
	Parameters  map[string]graph.Parameter `json:"parameters"`
}

// GetNodesRaw returns the undecoded body of /execution/get_nodes.
func (c *Client) GetNodesRaw(ctx context.Context) ([]byte, error) {
	return c.getRaw(ctx, "/execution/get_nodes")
}

// GetNodes fetches the runnable standalone nodes keyed by name.
func (c *Client) GetNodes(ctx context.Context) (map[string]*graph.GraphNode, error) {
	raw, err := c.GetNodesRaw(ctx)
	if err != nil {
		return nil, err
	}
	return ParseNodes(raw)
}

// ParseNodes decodes a node catalog. The server may answer with an object
// keyed by name or with a list.
func ParseNodes(raw []byte) (map[string]*graph.GraphNode, error) {
	var defs []nodeDef
	var byName map[string]nodeDef
	if err := json.Unmarshal(raw, &byName); err == nil {
		for name, d := range byName {
			if d.Name == "" {
				d.Name = name
			}
			defs = append(defs, d)
		}
	} else if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, &graph.ParseError{Reason: fmt.Sprintf("nodes payload: %v", err)}
	}

	nodes := make(map[string]*graph.GraphNode, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, &graph.ParseError{Reason: "node without a name"}
		}
		label := d.Title
		if label == "" {
			label = d.Name
		}
		nodes[d.Name] = &graph.GraphNode{ID: graph.NodeKey(d.Name), Label: label, Parameters: d.Parameters}
	}
	return nodes, nil
}

// SubmitNode asks the server to run a standalone node. A rejection is
// returned as *runstatus.ResponseStatusError.
func (c *Client) SubmitNode(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	return c.submit(ctx, "/execution/submit/node", req)
}

// SubmitWorkflow asks the server to run a workflow graph.
func (c *Client) SubmitWorkflow(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	return c.submit(ctx, "/execution/submit/workflow", req)
}

func (c *Client) submit(ctx context.Context, path string, sr SubmitRequest) (SubmitResult, error) {
	if sr.Name == "" {
		return SubmitResult{}, fmt.Errorf("invalid submit request: missing name")
	}
	if sr.Parameters == nil {
		sr.Parameters = map[string]any{}
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return SubmitResult{}, decodeRejection(sr.Name, resp.StatusCode, data)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return SubmitResult{}, &HTTPError{Method: http.MethodPost, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var result SubmitResult
	if err := json.Unmarshal(data, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
	}
	return result, nil
}

// decodeRejection builds the structured error shown next to the run control.
func decodeRejection(node string, status int, data []byte) *runstatus.ResponseStatusError {
	var body struct {
		NodeName string          `json:"node_name"`
		Name     string          `json:"name"`
		Message  string          `json:"message"`
		Detail   json.RawMessage `json:"detail"`
	}
	rej := &runstatus.ResponseStatusError{NodeName: node, Name: http.StatusText(status)}
	if err := json.Unmarshal(data, &body); err != nil {
		rej.Message = strings.TrimSpace(string(data))
		return rej
	}
	if body.NodeName != "" {
		rej.NodeName = body.NodeName
	}
	if body.Name != "" {
		rej.Name = body.Name
	}
	rej.Message = body.Message
	if rej.Message == "" && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			rej.Message = s
		} else {
			rej.Message = string(body.Detail)
		}
	}
	return rej
}

// LastRun returns the last run snapshot, or nil when the server has none.
func (c *Client) LastRun(ctx context.Context) (*runstatus.Update, error) {
	var u *runstatus.Update
	if err := c.getJSON(ctx, "/execution/last_run/", &u); err != nil {
		return nil, err
	}
	return u, nil
}

// IsRunning reports whether the server is executing a run.
func (c *Client) IsRunning(ctx context.Context) (bool, error) {
	var running bool
	err := c.getJSON(ctx, "/execution/is_running", &running)
	return running, err
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.IsRunning(ctx)
	return err
}

// Projects lists the projects known to the server.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.getJSON(ctx, "/api/projects/", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ActiveProject returns the name of the active project.
func (c *Client) ActiveProject(ctx context.Context) (string, error) {
	var name string
	if err := c.getJSON(ctx, "/api/project/active", &name); err != nil {
		return "", err
	}
	return name, nil
}

// SetActiveProject switches the active project and returns the name the
// server reports back.
func (c *Client) SetActiveProject(ctx context.Context, name string) (string, error) {
	path := "/api/project/active?active_project=" + url.QueryEscape(name)
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	var active string
	if err := c.do(req, path, &active); err != nil {
		return "", err
	}
	return active, nil
}

// Snapshot fetches a stored run result.
func (c *Client) Snapshot(ctx context.Context, id int) (Snapshot, error) {
	var s Snapshot
	err := c.getJSON(ctx, fmt.Sprintf("/api/snapshot/%d/", id), &s)
	return s, err
}

// CompareSnapshots returns the values that differ between two snapshots,
// keyed by their path inside the snapshot data.
func (c *Client) CompareSnapshots(ctx context.Context, id, other int) (map[string]Diff, error) {
	var diff map[string]Diff
	if err := c.getJSON(ctx, fmt.Sprintf("/api/snapshot/%d/compare?id_to_compare=%d", id, other), &diff); err != nil {
		return nil, err
	}
	return diff, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
