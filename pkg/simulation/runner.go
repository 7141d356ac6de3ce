package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/client"
	"github.com/qua-platform/qualibrate-console/pkg/connection"
	"github.com/qua-platform/qualibrate-console/pkg/push"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

// RunScenario drives the scenario's submissions against apiURL while a push
// client listens, then evaluates the invariants.
func RunScenario(ctx context.Context, s Scenario, apiURL string, logger *slog.Logger) SimulationResult {
	if logger == nil {
		logger = slog.Default()
	}
	if s.Seed == 0 {
		s.Seed = time.Now().UnixNano()
	}
	logger.Info("scenario_started", "name", s.Name, "seed", s.Seed, "duration", s.Duration.String())

	ctx, cancel := context.WithTimeout(ctx, s.Duration)
	defer cancel()

	res := SimulationResult{
		ScenarioName: s.Name,
		Seed:         s.Seed,
		Duration:     s.Duration,
	}
	api := client.NewClient(apiURL)

	var wg sync.WaitGroup

	// Listener
	wsURL, err := push.DeriveURL(apiURL)
	if err != nil {
		logger.Error("scenario_push_url_invalid", "error", err)
		atomic.AddUint64(&res.TotalErrors, 1)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listen(ctx, wsURL, logger, &res)
		}()
	}

	// Saboteur
	if s.Sabotage != nil && s.Sabotage.Enabled && s.Sabotage.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.Sabotage.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := requestDrop(ctx, apiURL, s.Sabotage.Downtime); err != nil && ctx.Err() == nil {
						logger.Warn("scenario_drop_failed", "error", err)
						continue
					}
					atomic.AddUint64(&res.TotalDrops, 1)
				}
			}
		}()
	}

	// Submitter
	if len(s.Submissions) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poll := s.StepDuration / 2
			if poll <= 0 {
				poll = defaultStepDuration / 2
			}
			for i := 0; ctx.Err() == nil; i++ {
				submitOnce(ctx, api, s.Submissions[i%len(s.Submissions)], poll, logger, &res)
			}
		}()
	}

	wg.Wait()

	evaluateInvariants(&res, s.Invariants)

	res.Success = true
	for _, inv := range res.Invariants {
		if !inv.Passed {
			res.Success = false
			break
		}
	}
	logger.Info("scenario_finished", "name", s.Name, "success", res.Success)
	return res
}

func listen(ctx context.Context, wsURL string, logger *slog.Logger, res *SimulationResult) {
	backoff := &connection.ExponentialBackoff{Base: 50 * time.Millisecond, Max: time.Second, Factor: 2}
	pc := push.NewClient(wsURL, push.WithBackoff(backoff), push.WithLogger(logger))
	events := make(chan push.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pc.Run(ctx, events)
	}()

	opened := 0
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			switch ev.Type {
			case push.EventOpen:
				opened++
				if opened > 1 {
					atomic.AddUint64(&res.TotalReconnect, 1)
				}
			case push.EventStatus:
				atomic.AddUint64(&res.TotalUpdates, 1)
			}
		}
	}
}

// submitOnce sends one request and, when accepted, waits for the server to go
// idle before reading the outcome from last_run.
func submitOnce(ctx context.Context, api *client.Client, sub SubmissionConfig, poll time.Duration, logger *slog.Logger, res *SimulationResult) {
	req := client.SubmitRequest{Name: sub.Target, Parameters: sub.Parameters}
	send := api.SubmitNode
	if sub.Workflow {
		send = api.SubmitWorkflow
	}

	atomic.AddUint64(&res.TotalSubmitted, 1)
	accepted, err := send(ctx, req)
	if err != nil {
		var rej *runstatus.ResponseStatusError
		switch {
		case ctx.Err() != nil:
			atomic.AddUint64(&res.TotalSubmitted, ^uint64(0))
		case errors.As(err, &rej):
			atomic.AddUint64(&res.TotalRejected, 1)
			wait(ctx, poll)
		default:
			atomic.AddUint64(&res.TotalErrors, 1)
			logger.Warn("scenario_submit_failed", "target", sub.Target, "error", err)
			wait(ctx, poll)
		}
		return
	}
	atomic.AddUint64(&res.TotalAccepted, 1)

	for {
		if !wait(ctx, poll) {
			return
		}
		running, err := api.IsRunning(ctx)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&res.TotalErrors, 1)
			}
			return
		}
		if !running {
			break
		}
	}

	last, err := api.LastRun(ctx)
	if err != nil || last == nil {
		if ctx.Err() == nil {
			atomic.AddUint64(&res.TotalErrors, 1)
		}
		return
	}
	if last.RunID != accepted.JobID {
		logger.Warn("scenario_run_mismatch", "expected", accepted.JobID, "got", last.RunID)
	}
	switch last.Status {
	case runstatus.StatusFinished:
		atomic.AddUint64(&res.TotalFinished, 1)
	case runstatus.StatusError:
		atomic.AddUint64(&res.TotalFailed, 1)
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func requestDrop(ctx context.Context, apiURL string, downtime time.Duration) error {
	url := strings.TrimRight(apiURL, "/") + DropPath + "?downtime=" + downtime.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	return nil
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func evaluateInvariants(res *SimulationResult, invariants []Invariant) {
	submitted := atomic.LoadUint64(&res.TotalSubmitted)
	accepted := atomic.LoadUint64(&res.TotalAccepted)
	for _, inv := range invariants {
		var actual float64
		known := true

		switch inv.Metric {
		case "finished_rate":
			actual = ratio(atomic.LoadUint64(&res.TotalFinished), accepted)
		case "failure_rate":
			actual = ratio(atomic.LoadUint64(&res.TotalFailed), accepted)
		case "rejection_rate":
			actual = ratio(atomic.LoadUint64(&res.TotalRejected), submitted)
		case "error_rate":
			actual = ratio(atomic.LoadUint64(&res.TotalErrors), submitted)
		case "runs":
			actual = float64(accepted)
		case "updates":
			actual = float64(atomic.LoadUint64(&res.TotalUpdates))
		case "reconnects":
			actual = float64(atomic.LoadUint64(&res.TotalReconnect))
		default:
			known = false
		}

		var passed bool
		switch inv.Condition {
		case ">":
			passed = actual > inv.Value
		case ">=":
			passed = actual >= inv.Value
		case "<":
			passed = actual < inv.Value
		case "<=":
			passed = actual <= inv.Value
		case "==":
			passed = math.Abs(actual-inv.Value) < 0.0001
		}

		result := InvariantResult{
			Metric:   inv.Metric,
			Expected: fmt.Sprintf("%s %.2f", inv.Condition, inv.Value),
			Actual:   fmt.Sprintf("%.4f", actual),
			Passed:   passed && known,
		}
		if !known {
			result.Actual = "N/A"
		}
		res.Invariants = append(res.Invariants, result)
	}
}
