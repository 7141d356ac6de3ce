// Package session wires the REST client, the push channel and the optional
// journal, cache and metrics around one console store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/qua-platform/qualibrate-console/pkg/catalog"
	"github.com/qua-platform/qualibrate-console/pkg/client"
	"github.com/qua-platform/qualibrate-console/pkg/console"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/metrics"
	"github.com/qua-platform/qualibrate-console/pkg/push"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
	"github.com/qua-platform/qualibrate-console/pkg/store"
	"github.com/qua-platform/qualibrate-console/pkg/store/redis"
)

// Options selects the server and the optional sinks.
type Options struct {
	URL         string
	WSURL       string
	Cookie      string
	JournalPath string
	RedisAddr   string
	MetricsAddr string
	CacheDir    string
	Logger      *slog.Logger
}

// Session owns every long-lived component of a console process.
type Session struct {
	Client  *client.Client
	Store   *console.Store
	Journal *store.Store
	Cache   *redis.RunStatusCache

	opts      Options
	push      *push.Client
	collector *metrics.Collector
	catalog   *catalog.Cache
	redis     *goredis.Client
	logger    *slog.Logger
}

// Open builds the session. Nothing touches the network until Refresh or Run.
func Open(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		Client:    client.NewClient(opts.URL),
		opts:      opts,
		collector: metrics.NewCollector(),
		logger:    logger,
	}

	header := make(http.Header)
	if opts.Cookie != "" {
		s.Client.SetHeader("Cookie", opts.Cookie)
		header.Set("Cookie", opts.Cookie)
	}
	if opts.WSURL != "" {
		s.push = push.NewClient(opts.WSURL, push.WithLogger(logger), push.WithHeader(header))
	}

	if opts.CacheDir != "" {
		s.catalog = catalog.NewCache(opts.CacheDir)
	}

	storeOpts := []console.Option{console.WithLogger(logger), console.WithObserver(s.collector)}

	if opts.JournalPath != "" {
		j, err := store.NewStore(opts.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.SetLogger(logger)
		s.Journal = j
		storeOpts = append(storeOpts, console.WithObserver(j))
		logger.Info("journal_opened", "path", opts.JournalPath)
	}

	if opts.RedisAddr != "" {
		s.redis = goredis.NewClient(&goredis.Options{Addr: opts.RedisAddr})
		s.Cache = redis.NewRunStatusCache(s.redis, 24*time.Hour)
		storeOpts = append(storeOpts, console.WithObserver(s.Cache))
		logger.Info("run_status_cache_enabled", "addr", opts.RedisAddr)
	}

	s.Store = console.NewStore(storeOpts...)
	return s, nil
}

// Close releases the journal and the Redis connection.
func (s *Session) Close() error {
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

// Refresh loads graphs, nodes, projects and the last run into the store.
// Every part is attempted; the returned error joins the failures.
func (s *Session) Refresh(ctx context.Context) error {
	var errs []error

	graphs, err := s.fetchGraphs(ctx)
	if err != nil {
		s.collector.GraphLoadFailed(countJoined(err))
		errs = append(errs, fmt.Errorf("graphs: %w", err))
	}
	s.Store.Dispatch(console.GraphsLoaded{Graphs: graphs, Err: err})

	nodes, err := s.fetchNodes(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("nodes: %w", err))
	}
	s.Store.Dispatch(console.NodesLoaded{Nodes: nodes, Err: err})

	if projects, err := s.Client.Projects(ctx); err != nil {
		errs = append(errs, fmt.Errorf("projects: %w", err))
	} else {
		active, err := s.Client.ActiveProject(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("active project: %w", err))
		}
		names := make([]string, len(projects))
		for i, p := range projects {
			names[i] = p.Name
		}
		s.Store.Dispatch(console.ProjectsLoaded{Projects: names, Active: active})
	}

	if last, err := s.Client.LastRun(ctx); err != nil {
		errs = append(errs, fmt.Errorf("last run: %w", err))
	} else {
		s.Store.Dispatch(console.LastRunLoaded{Update: last})
	}

	return errors.Join(errs...)
}

// fetchGraphs loads the graph catalog, falling back to the cached copy when
// the server cannot be reached. The fetch error is returned either way.
func (s *Session) fetchGraphs(ctx context.Context) (map[string]*graph.WorkflowGraph, error) {
	raw, err := s.fetchRaw(ctx, catalog.KindGraphs, s.Client.GetGraphsRaw)
	if raw == nil {
		return nil, err
	}
	graphs, perr := graph.LoadGraphs(raw)
	return graphs, errors.Join(err, perr)
}

func (s *Session) fetchNodes(ctx context.Context) (map[string]*graph.GraphNode, error) {
	raw, err := s.fetchRaw(ctx, catalog.KindNodes, s.Client.GetNodesRaw)
	if raw == nil {
		return nil, err
	}
	nodes, perr := client.ParseNodes(raw)
	return nodes, errors.Join(err, perr)
}

func (s *Session) fetchRaw(ctx context.Context, kind string, get func(context.Context) ([]byte, error)) ([]byte, error) {
	raw, err := get(ctx)
	if s.catalog == nil {
		return raw, err
	}
	key := catalog.Key(s.Client.Endpoint(), kind)
	if err == nil {
		if perr := s.catalog.Put(ctx, key, raw); perr != nil {
			s.logger.Warn("catalog_cache_write_failed", "kind", kind, "error", perr)
		}
		return raw, nil
	}
	cached, cerr := s.catalog.Get(ctx, key)
	if cerr != nil {
		return nil, err
	}
	s.logger.Warn("catalog_served_from_cache", "kind", kind, "error", err)
	return cached, fmt.Errorf("showing cached %s: %w", kind, err)
}

// countJoined counts the leaf errors of a (possibly nested) errors.Join.
func countJoined(err error) int {
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return 1
	}
	n := 0
	for _, e := range j.Unwrap() {
		n += countJoined(e)
	}
	return n
}

// Submit runs node (a standalone node, or a node of the current graph level)
// with its effective parameters. A rejection is stored for display and also
// returned.
func (s *Session) Submit(ctx context.Context, node graph.NodeKey) (client.SubmitResult, error) {
	payload, err := s.Store.Submission(node)
	if err != nil {
		return client.SubmitResult{}, err
	}
	return s.submit(ctx, string(node), payload, s.Client.SubmitNode)
}

// SubmitWorkflow runs the selected workflow with its default parameters.
func (s *Session) SubmitWorkflow(ctx context.Context, name string) (client.SubmitResult, error) {
	graphs, _ := s.Store.Graphs()
	g, ok := graphs[name]
	if !ok {
		return client.SubmitResult{}, fmt.Errorf("unknown workflow %q", name)
	}
	payload := make(map[string]any, len(g.Parameters))
	for k, p := range g.Parameters {
		payload[k] = p.Default
	}
	return s.submit(ctx, name, payload, s.Client.SubmitWorkflow)
}

type submitFunc func(context.Context, client.SubmitRequest) (client.SubmitResult, error)

func (s *Session) submit(ctx context.Context, target string, payload map[string]any, send submitFunc) (client.SubmitResult, error) {
	s.Store.Dispatch(console.SubmitStarted{Target: target})
	s.journalSubmission(ctx, target, "", payload, nil)

	result, err := send(ctx, client.SubmitRequest{Name: target, Parameters: payload})
	var rejected *runstatus.ResponseStatusError
	switch {
	case errors.As(err, &rejected):
		s.Store.Dispatch(console.SubmitRejected{Err: rejected})
		s.journalSubmission(ctx, target, "", nil, rejected)
		return result, err
	case err != nil:
		failed := &runstatus.ResponseStatusError{NodeName: target, Name: "RequestFailed", Message: err.Error()}
		s.Store.Dispatch(console.SubmitRejected{Err: failed})
		s.journalSubmission(ctx, target, "", nil, failed)
		return result, err
	}

	s.Store.Dispatch(console.SubmitAccepted{RunID: result.JobID})
	s.journalSubmission(ctx, target, result.JobID, payload, nil)
	s.logger.Info("run_submitted", "target", target, "run_id", result.JobID)
	return result, nil
}

func (s *Session) journalSubmission(ctx context.Context, target, runID string, payload map[string]any, rej *runstatus.ResponseStatusError) {
	if s.Journal == nil {
		return
	}
	if _, err := s.Journal.AppendSubmission(ctx, target, runID, payload, rej); err != nil {
		s.logger.Error("journal_append_failed", "target", target, "error", err)
	}
}

// Run keeps the push channel open, feeds the store, and serves metrics
// until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	if s.push == nil {
		return errors.New("no push channel configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan push.Event, 64)
	var wg sync.WaitGroup

	if s.opts.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, s.opts.MetricsAddr, s.logger); err != nil {
				s.logger.Error("metrics_server_failed", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.push.Run(ctx, events)
	}()

	err := s.Store.Run(ctx, events)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
