package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qua-platform/qualibrate-console/pkg/session"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.DiscardHandler)
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger = slog.New(slog.NewJSONHandler(f, nil))
	}
	slog.SetDefault(logger)

	sess, err := session.Open(session.Options{
		URL:         cfg.URL,
		WSURL:       cfg.WSURL,
		Cookie:      cfg.Cookie,
		JournalPath: cfg.JournalPath,
		RedisAddr:   cfg.RedisAddr,
		MetricsAddr: cfg.MetricsAddr,
		CacheDir:    cfg.CacheDir,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := sess.Run(ctx); err != nil {
			logger.Error("session_stopped", "error", err)
		}
	}()

	p := tea.NewProgram(newModel(ctx, sess, cfg.RefreshInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
