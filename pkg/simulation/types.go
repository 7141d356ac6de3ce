package simulation

import (
	"encoding/json"
	"time"
)

// SimulationResult captures the final state of a scenario for reporting
type SimulationResult struct {
	ScenarioName   string            `json:"scenario_name"`
	Seed           int64             `json:"seed"`
	Duration       time.Duration     `json:"duration"`
	TotalSubmitted uint64            `json:"total_submitted"`
	TotalAccepted  uint64            `json:"total_accepted"`
	TotalRejected  uint64            `json:"total_rejected"`
	TotalFinished  uint64            `json:"total_finished"`
	TotalFailed    uint64            `json:"total_failed"`
	TotalErrors    uint64            `json:"total_errors"`
	TotalUpdates   uint64            `json:"total_updates"`
	TotalDrops     uint64            `json:"total_drops"`
	TotalReconnect uint64            `json:"total_reconnects"`
	Invariants     []InvariantResult `json:"invariants"`
	Success        bool              `json:"success"`
}

type InvariantResult struct {
	Metric   string `json:"metric"`
	Expected string `json:"expected"` // e.g. "> 0.95"
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
}

// Scenario describes both the simulated execution server and the load driven
// against it.
type Scenario struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Duration bounds the driver; the server itself runs until closed.
	Duration time.Duration `json:"duration"`
	Seed     int64         `json:"seed"`
	// Graphs and Nodes are served verbatim by get_graphs and get_nodes.
	// Empty values fall back to a small built-in catalog.
	Graphs       json.RawMessage    `json:"graphs,omitempty"`
	Nodes        json.RawMessage    `json:"nodes,omitempty"`
	Projects     []string           `json:"projects,omitempty"`
	StepDuration time.Duration      `json:"step_duration"`
	FailureRate  float64            `json:"failure_rate"`
	Submissions  []SubmissionConfig `json:"submissions,omitempty"`
	Sabotage     *SabotageConfig    `json:"sabotage,omitempty"`
	Invariants   []Invariant        `json:"invariants,omitempty"`
}

// SubmissionConfig is one run request replayed round-robin by the driver.
type SubmissionConfig struct {
	Target     string         `json:"target"`
	Workflow   bool           `json:"workflow"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Invariant struct {
	Metric    string  `json:"metric"`    // e.g. "finished_rate", "rejection_rate", "updates"
	Condition string  `json:"condition"` // e.g. ">", "<", ">=", "<="
	Value     float64 `json:"value"`
}

// SabotageConfig periodically drops every push connection and refuses new
// ones for Downtime.
type SabotageConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Downtime time.Duration `json:"downtime"`
}

const defaultStepDuration = 200 * time.Millisecond

// maxSimulatedIterations caps how often a looping node is replayed.
const maxSimulatedIterations = 3

const defaultGraphs = `{
  "retune": {
    "description": "Resonator and qubit retune",
    "parameters": {"qubits": {"type": "string", "default": "q1"}},
    "nodes": [
      {"id": "resonator_spectroscopy"},
      {"id": "qubit_loop", "loop": {"max_iterations": 2}, "subgraph": {
        "nodes": [{"id": "rabi"}, {"id": "ramsey"}],
        "edges": [{"source": "rabi", "target": "ramsey"}]
      }}
    ],
    "edges": [{"source": "resonator_spectroscopy", "target": "qubit_loop"}]
  }
}`

const defaultNodes = `{
  "rabi": {"title": "Power Rabi", "parameters": {
    "amplitude": {"type": "number", "default": 0.5},
    "simulate": {"type": "boolean", "default": false}
  }},
  "ramsey": {"title": "Ramsey", "parameters": {
    "detuning": {"type": "number", "default": 1000000}
  }},
  "resonator_spectroscopy": {"title": "Resonator spectroscopy"}
}`
