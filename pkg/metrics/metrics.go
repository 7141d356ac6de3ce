// Package metrics exports console health as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qua-platform/qualibrate-console/pkg/connection"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

var (
	// RunUpdatesTotal counts push updates by what the reconciler did with them
	RunUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qualibrate_console_run_updates_total",
			Help: "Run-status updates received, by outcome",
		},
		[]string{"outcome"},
	)

	// RunProgress tracks the percentage of the displayed run
	RunProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qualibrate_console_run_progress_percent",
			Help: "Progress of the displayed run",
		},
		[]string{"target"},
	)

	// ReconnectAttemptsTotal counts push-channel reconnection attempts
	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qualibrate_console_reconnect_attempts_total",
			Help: "Push channel reconnection attempts",
		},
	)

	// Connected is 1 while the push channel is open
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qualibrate_console_push_connected",
			Help: "Whether the push channel is connected",
		},
	)

	// DisconnectedSeconds is the length of the current outage
	DisconnectedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qualibrate_console_push_disconnected_seconds",
			Help: "Seconds since the push channel dropped, 0 while connected",
		},
	)

	// GraphLoadFailuresTotal counts workflows rejected by the graph loader
	GraphLoadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qualibrate_console_graph_load_failures_total",
			Help: "Workflow graphs that failed to parse",
		},
	)
)

func init() {
	prometheus.MustRegister(RunUpdatesTotal)
	prometheus.MustRegister(RunProgress)
	prometheus.MustRegister(ReconnectAttemptsTotal)
	prometheus.MustRegister(Connected)
	prometheus.MustRegister(DisconnectedSeconds)
	prometheus.MustRegister(GraphLoadFailuresTotal)
}

// Collector feeds the package metrics from console notifications.
type Collector struct {
	mu           sync.Mutex
	lastAttempts int
}

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{}
}

// ObserveUpdate records the outcome of a run-status update.
func (c *Collector) ObserveUpdate(_ runstatus.Update, outcome runstatus.Outcome, info runstatus.Info) {
	RunUpdatesTotal.WithLabelValues(outcome.String()).Inc()
	if outcome == runstatus.OutcomeApplied || outcome == runstatus.OutcomeMerged {
		RunProgress.WithLabelValues(info.Target).Set(info.Percentage)
	}
}

// ObserveConnection records push-channel health.
func (c *Collector) ObserveConnection(s connection.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Connected {
		Connected.Set(1)
	} else {
		Connected.Set(0)
	}
	DisconnectedSeconds.Set(s.Elapsed.Seconds())
	if s.Attempts > c.lastAttempts {
		ReconnectAttemptsTotal.Add(float64(s.Attempts - c.lastAttempts))
	}
	c.lastAttempts = s.Attempts
}

// GraphLoadFailed counts n rejected workflows.
func (c *Collector) GraphLoadFailed(n int) {
	if n > 0 {
		GraphLoadFailuresTotal.Add(float64(n))
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
