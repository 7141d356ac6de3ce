package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/qua-platform/qualibrate-console/pkg/console"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/mcp"
	"github.com/qua-platform/qualibrate-console/pkg/reports"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
	"github.com/qua-platform/qualibrate-console/pkg/session"
	"github.com/qua-platform/qualibrate-console/pkg/store"
)

var (
	Version   = "v0.1.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := defaultConfig()
	root := &cobra.Command{
		Use:           "qualibrate",
		Short:         "Operator console for the Qualibrate execution server",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.resolve(); err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg.LogLevel))
			return nil
		},
	}
	bindFlags(root, &cfg)

	root.AddCommand(graphsCmd(&cfg))
	root.AddCommand(graphCmd(&cfg))
	root.AddCommand(nodesCmd(&cfg))
	root.AddCommand(submitCmd(&cfg))
	root.AddCommand(watchCmd(&cfg))
	root.AddCommand(lastRunCmd(&cfg))
	root.AddCommand(projectsCmd(&cfg))
	root.AddCommand(snapshotCmd(&cfg))
	root.AddCommand(journalCmd(&cfg))
	root.AddCommand(reportCmd(&cfg))
	root.AddCommand(mcpCmd(&cfg))
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(strings.ToUpper(level)))
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openSession(cfg *Config) (*session.Session, error) {
	return session.Open(session.Options{
		URL:         cfg.URL,
		WSURL:       cfg.WSURL,
		Cookie:      cfg.Cookie,
		JournalPath: cfg.JournalPath,
		RedisAddr:   cfg.RedisAddr,
		MetricsAddr: cfg.MetricsAddr,
		CacheDir:    cfg.CacheDir,
		Logger:      slog.Default(),
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─── graphs ──────────────────────────────────────────────────────────────────

func graphsCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "graphs",
		Short: "List workflow graphs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			graphs, loadErr := s.Client.GetGraphs(cmd.Context())
			if graphs == nil && loadErr != nil {
				return loadErr
			}
			names := make([]string, 0, len(graphs))
			for name := range graphs {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tNODES\tEDGES\tDESCRIPTION")
			for _, name := range names {
				g := graphs[name]
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", name, len(g.Nodes), len(g.Edges), g.Description)
			}
			w.Flush()
			if loadErr != nil {
				fmt.Fprintf(os.Stderr, "some graphs failed to load:\n%v\n", loadErr)
			}
			return nil
		},
	}
}

// ─── graph ───────────────────────────────────────────────────────────────────

func graphCmd(cfg *Config) *cobra.Command {
	var (
		path   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "graph <workflow>",
		Short: "Print one level of a workflow graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			graphs, loadErr := s.Client.GetGraphs(cmd.Context())
			if _, ok := graphs[args[0]]; !ok {
				if loadErr != nil {
					return loadErr
				}
				return fmt.Errorf("unknown workflow %q", args[0])
			}
			crumbs := graph.SplitPath(path)
			g, consumed := graph.ResolveCurrentGraph(graphs, args[0], crumbs)
			if consumed < len(crumbs) {
				fmt.Fprintf(os.Stderr, "path %q does not resolve; showing %q\n", path, graph.JoinPath(crumbs[:consumed]))
			}

			switch strings.ToLower(format) {
			case "dot":
				out, err := graph.ToDOT(g)
				if err != nil {
					return err
				}
				fmt.Print(out)
			case "text", "":
				fmt.Print(renderText(g))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "slash-separated container path to drill into")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

func renderText(g *graph.WorkflowGraph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", g.Name)
	for _, n := range g.OrderedNodes() {
		marker := " "
		if n.IsContainer() {
			marker = "+"
		}
		fmt.Fprintf(&b, "  %s %s", marker, n.ID)
		if n.Label != "" && n.Label != string(n.ID) {
			fmt.Fprintf(&b, " (%s)", n.Label)
		}
		if labels := n.LoopLabels(); len(labels) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(labels, ", "))
		}
		b.WriteString("\n")
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  %s -> %s", e.Source, e.Target)
		if labels := e.Labels(); len(labels) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(labels, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ─── nodes ───────────────────────────────────────────────────────────────────

func nodesCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List runnable standalone nodes and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			nodes, err := s.Client.GetNodes(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(nodes))
			for name := range nodes {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tPARAMETER\tTYPE\tDEFAULT")
			for _, name := range names {
				n := nodes[name]
				keys := make([]string, 0, len(n.Parameters))
				for k := range n.Parameters {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				if len(keys) == 0 {
					fmt.Fprintf(w, "%s\t-\t\t\n", name)
				}
				for _, k := range keys {
					p := n.Parameters[k]
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", name, k, p.Type, p.Default)
				}
			}
			return w.Flush()
		},
	}
}

// ─── submit ──────────────────────────────────────────────────────────────────

func submitCmd(cfg *Config) *cobra.Command {
	var (
		params   []string
		workflow bool
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <node|workflow>",
		Short: "Run a standalone node, or a workflow with --workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseParams(params)
			if err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if err := s.Refresh(ctx); err != nil {
				slog.Warn("refresh_incomplete", "error", err)
			}

			target := args[0]
			if workflow {
				if len(overrides) > 0 {
					return errors.New("--param applies to standalone nodes only")
				}
				s.Store.Dispatch(console.SelectWorkflow{Name: target})
				if _, err := s.SubmitWorkflow(ctx, target); err != nil {
					return err
				}
			} else {
				for _, kv := range overrides {
					s.Store.Dispatch(console.SetParameter{Node: graph.NodeKey(target), Key: kv[0], Value: kv[1]})
				}
				if _, err := s.Submit(ctx, graph.NodeKey(target)); err != nil {
					return err
				}
			}
			info := s.Store.RunStatus()
			fmt.Printf("submitted %s: run %s\n", target, info.RunID)
			if !watch {
				return nil
			}
			return follow(ctx, s, true)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter override key=value (repeatable)")
	cmd.Flags().BoolVar(&workflow, "workflow", false, "submit a workflow graph instead of a node")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

func parseParams(raw []string) ([][2]string, error) {
	out := make([][2]string, 0, len(raw))
	for _, p := range raw {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", p)
		}
		out = append(out, [2]string{strings.TrimSpace(k), v})
	}
	return out, nil
}

// ─── watch ───────────────────────────────────────────────────────────────────

func watchCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow run status over the push channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if err := s.Refresh(ctx); err != nil {
				slog.Warn("refresh_incomplete", "error", err)
			}
			return follow(ctx, s, false)
		},
	}
}

// follow prints a status line whenever it changes. With untilDone it returns
// once the run reaches a terminal phase.
func follow(ctx context.Context, s *session.Session, untilDone bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
		}
		now := time.Now()
		info := s.Store.RunStatus()
		line := statusLine(info, now)
		if banner := s.Store.Banner(now); banner != "" {
			line = banner
		}
		if line != last {
			fmt.Println(line)
			last = line
		}
		if untilDone && info.Phase.Terminal() {
			cancel()
			<-done
			if info.Phase == runstatus.PhaseError && info.Error != nil {
				return info.Error
			}
			return nil
		}
	}
}

func statusLine(info runstatus.Info, now time.Time) string {
	if info.Phase == runstatus.PhaseIdle {
		return "idle"
	}
	line := fmt.Sprintf("%s %s [%s] %d/%d (%.0f%%)", info.Target, info.RunID, info.Status(), info.FinishedNodes, info.TotalNodes, info.Percentage)
	if info.ActiveNode != "" && !info.Phase.Terminal() {
		line += " at " + info.ActiveNode
	}
	if d := info.Elapsed(now); d > 0 {
		line += " " + d.Round(time.Second).String()
	}
	if info.Error != nil {
		line += ": " + info.Error.Error()
	}
	return line
}

// ─── last-run ────────────────────────────────────────────────────────────────

func lastRunCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "last-run",
		Short: "Show the server's last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			last, err := s.Client.LastRun(cmd.Context())
			if err != nil {
				return err
			}
			if last == nil {
				fmt.Println("no run yet")
				return nil
			}
			s.Store.Dispatch(console.LastRunLoaded{Update: last})
			return printJSON(s.Store.RunStatus())
		},
	}
}

// ─── projects ────────────────────────────────────────────────────────────────

func projectsCmd(cfg *Config) *cobra.Command {
	var set string

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects, or switch the active one with --set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if set != "" {
				active, err := s.Client.SetActiveProject(cmd.Context(), set)
				if err != nil {
					return err
				}
				fmt.Printf("active project: %s\n", active)
				return nil
			}
			projects, err := s.Client.Projects(cmd.Context())
			if err != nil {
				return err
			}
			active, err := s.Client.ActiveProject(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range projects {
				marker := " "
				if p.Name == active {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, p.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&set, "set", "", "make this project active")
	return cmd
}

// ─── snapshot ────────────────────────────────────────────────────────────────

func snapshotCmd(cfg *Config) *cobra.Command {
	var compare int

	cmd := &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Show a stored run result, or its differences with --compare",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid snapshot id %q", args[0])
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if compare > 0 {
				diff, err := s.Client.CompareSnapshots(cmd.Context(), id, compare)
				if err != nil {
					return err
				}
				return printJSON(diff)
			}
			snap, err := s.Client.Snapshot(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}

	cmd.Flags().IntVar(&compare, "compare", 0, "snapshot id to compare against")
	return cmd
}

// ─── journal ─────────────────────────────────────────────────────────────────

func journalCmd(cfg *Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal [run-id]",
		Short: "List journaled runs, or replay one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.JournalPath == "" {
				return errors.New("no journal configured: set --journal or QUALIBRATE_JOURNAL")
			}
			j, err := store.NewStore(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer j.Close()
			j.SetLogger(slog.Default())

			if len(args) == 0 {
				runs, err := j.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tTARGET\tSTATUS\tENTRIES\tLAST SEEN")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.RunID, r.Target, r.LastStatus, r.Entries, r.LastSeen.Format(time.RFC3339))
				}
				return w.Flush()
			}

			entries, err := j.ReadRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("run %q not found in journal", args[0])
			}
			for _, e := range entries {
				fmt.Printf("%s  %-9s %s\n", e.RecordedAt.Format(time.RFC3339), e.Kind, e.Outcome)
			}
			info, err := j.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

// ─── report ──────────────────────────────────────────────────────────────────

func reportCmd(cfg *Config) *cobra.Command {
	var (
		since  time.Duration
		runID  string
		kind   string
		target string
	)

	cmd := &cobra.Command{
		Use:   "report <runs|entries>",
		Short: "Export the run journal as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.JournalPath == "" {
				return errors.New("no journal configured: set --journal or QUALIBRATE_JOURNAL")
			}
			j, err := store.NewStore(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer j.Close()

			gen, err := reports.NewReportGenerator(reports.ReportType(args[0]), j)
			if err != nil {
				return err
			}
			params := reports.ReportParams{Filters: map[string]interface{}{
				"run_id": runID,
				"kind":   kind,
				"target": target,
			}}
			if since > 0 {
				params.Start = time.Now().Add(-since)
			}
			out, err := gen.Generate(cmd.Context(), params)
			if err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, out)
			return err
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only include entries newer than this")
	cmd.Flags().StringVar(&runID, "run", "", "entries: restrict to one run id")
	cmd.Flags().StringVar(&kind, "kind", "", "entries: submitted|accepted|rejected|update")
	cmd.Flags().StringVar(&target, "target", "", "runs: restrict to one node or workflow")
	return cmd
}

// ─── mcp ─────────────────────────────────────────────────────────────────────

func mcpCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return mcp.NewServer(s.Client).Serve()
		},
	}
}
