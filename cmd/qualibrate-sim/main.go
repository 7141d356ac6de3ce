package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/simulation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("config_invalid", "error", err)
		os.Exit(2)
	}
	scenario, err := loadScenario(cfg.ScenarioFile)
	if err != nil {
		logger.Error("scenario_invalid", "error", err)
		os.Exit(2)
	}

	srv, err := simulation.NewServer(scenario, logger)
	if err != nil {
		logger.Error("scenario_invalid", "error", err)
		os.Exit(2)
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error("listen_failed", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}
	httpServer := &http.Server{Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve_failed", "error", err)
		}
	}()
	logger.Info("sim_listening", "addr", ln.Addr().String(), "scenario", scenario.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	success := true
	if cfg.Drive {
		result := simulation.RunScenario(ctx, scenario, "http://"+ln.Addr().String(), logger)
		if err := writeReport(result, cfg.JSONOutput, cfg.OutputFile); err != nil {
			logger.Error("report_failed", "error", err)
		}
		success = result.Success
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown_failed", "error", err)
	}
	if !success {
		srv.Close()
		os.Exit(1)
	}
}

func writeReport(res simulation.SimulationResult, jsonFmt bool, filePath string) error {
	var output []byte
	if jsonFmt {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		output = data
	} else {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "\n--- Simulation Report: %s (seed %d) ---\n", res.ScenarioName, res.Seed)
		fmt.Fprintf(&buf, "Duration: %s\n", res.Duration)
		fmt.Fprintf(&buf, "Submitted: %d | Accepted: %d | Rejected: %d | Errors: %d\n",
			res.TotalSubmitted, res.TotalAccepted, res.TotalRejected, res.TotalErrors)
		fmt.Fprintf(&buf, "Finished: %d | Failed: %d\n", res.TotalFinished, res.TotalFailed)
		fmt.Fprintf(&buf, "Push updates: %d | Drops: %d | Reconnects: %d\n",
			res.TotalUpdates, res.TotalDrops, res.TotalReconnect)

		if len(res.Invariants) > 0 {
			buf.WriteString("\nInvariants:\n")
			for _, inv := range res.Invariants {
				status := "FAIL"
				if inv.Passed {
					status = "PASS"
				}
				fmt.Fprintf(&buf, "[%s] %s: Expected %s, Got %s\n", status, inv.Metric, inv.Expected, inv.Actual)
			}
		}
		output = buf.Bytes()
	}

	if filePath != "" {
		if err := os.WriteFile(filePath, output, 0644); err != nil {
			return fmt.Errorf("failed to write report to %s: %w", filePath, err)
		}
		fmt.Printf("Report written to %s\n", filePath)
		return nil
	}
	fmt.Println(string(output))
	return nil
}
