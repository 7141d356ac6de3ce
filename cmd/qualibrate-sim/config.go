package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/simulation"
)

type Config struct {
	Addr         string
	ScenarioFile string
	Drive        bool
	JSONOutput   bool
	OutputFile   string
}

func LoadConfig(args []string) (Config, error) {
	flagSet := flag.NewFlagSet("qualibrate-sim", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	addr := flagSet.String("addr", envOrDefault("QUALIBRATE_SIM_ADDR", "127.0.0.1:8001"), "listen address of the simulated execution server")
	scenario := flagSet.String("scenario", "", "path to scenario JSON file")
	drive := flagSet.Bool("drive", false, "run the scenario's load against the server, report and exit")
	jsonOutput := flagSet.Bool("json", false, "output the report as JSON")
	out := flagSet.String("out", "", "write the report to a file instead of stdout")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}
	if *addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	return Config{
		Addr:         *addr,
		ScenarioFile: *scenario,
		Drive:        *drive,
		JSONOutput:   *jsonOutput,
		OutputFile:   *out,
	}, nil
}

// loadScenario reads the scenario file, or returns the built-in demo.
func loadScenario(path string) (simulation.Scenario, error) {
	if path == "" {
		return defaultScenario(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return simulation.Scenario{}, fmt.Errorf("failed to read scenario file: %w", err)
	}
	var s simulation.Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return simulation.Scenario{}, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	if s.Duration <= 0 {
		s.Duration = 10 * time.Second
	}
	return s, nil
}

func defaultScenario() simulation.Scenario {
	return simulation.Scenario{
		Name:         "Default Demo",
		Description:  "Retune workflow and a standalone Rabi, with a flaky push channel",
		Duration:     10 * time.Second,
		StepDuration: 300 * time.Millisecond,
		FailureRate:  0.1,
		Submissions: []simulation.SubmissionConfig{
			{Target: "retune", Workflow: true},
			{Target: "rabi", Parameters: map[string]any{"amplitude": 0.6}},
		},
		Sabotage: &simulation.SabotageConfig{Enabled: true, Interval: 3 * time.Second, Downtime: 500 * time.Millisecond},
		Invariants: []simulation.Invariant{
			{Metric: "runs", Condition: ">", Value: 0},
			{Metric: "error_rate", Condition: "<=", Value: 0.05},
		},
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
