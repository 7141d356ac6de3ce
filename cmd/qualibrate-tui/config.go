package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qua-platform/qualibrate-console/pkg/client"
	"github.com/qua-platform/qualibrate-console/pkg/push"
)

const defaultRefreshInterval = 30 * time.Second

type Config struct {
	URL             string
	WSURL           string
	Cookie          string
	JournalPath     string
	RedisAddr       string
	MetricsAddr     string
	CacheDir        string
	LogPath         string
	RefreshInterval time.Duration
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	refresh := defaultRefreshInterval
	if v := os.Getenv("QUALIBRATE_REFRESH_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid QUALIBRATE_REFRESH_INTERVAL: %w", err)
		}
		refresh = parsed
	}

	flagSet := flag.NewFlagSet("qualibrate-tui", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagURL := flagSet.String("url", envOrDefault("QUALIBRATE_URL", client.DefaultEndpoint), "execution server root URL")
	flagWS := flagSet.String("ws-url", os.Getenv("QUALIBRATE_WS_URL"), "run-status WebSocket URL")
	flagCookie := flagSet.String("cookie", os.Getenv("QUALIBRATE_COOKIE"), "session cookie")
	flagJournal := flagSet.String("journal", os.Getenv("QUALIBRATE_JOURNAL"), "path to the SQLite run journal")
	flagRedis := flagSet.String("redis-addr", os.Getenv("QUALIBRATE_REDIS_ADDR"), "Redis address for the shared run-status cache")
	flagMetrics := flagSet.String("metrics-addr", os.Getenv("QUALIBRATE_METRICS_ADDR"), "listen address for Prometheus metrics")
	flagCache := flagSet.String("cache-dir", envOrDefault("QUALIBRATE_CACHE_DIR", defaultCacheDir()), "directory for the offline graph and node catalog")
	flagLog := flagSet.String("log", envOrDefault("QUALIBRATE_TUI_LOG", "qualibrate-tui.log"), "log file (the terminal belongs to the UI)")
	flagRefresh := flagSet.String("refresh-interval", refresh.String(), "graph and node catalog refresh interval")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}

	refreshParsed, err := time.ParseDuration(*flagRefresh)
	if err != nil {
		return Config{}, fmt.Errorf("invalid refresh interval: %w", err)
	}
	if refreshParsed <= 0 {
		return Config{}, errors.New("refresh interval must be positive")
	}

	config := Config{
		URL:             strings.TrimRight(strings.TrimSpace(*flagURL), "/"),
		WSURL:           strings.TrimSpace(*flagWS),
		Cookie:          *flagCookie,
		JournalPath:     resolvePath(*flagJournal, cwd),
		RedisAddr:       strings.TrimSpace(*flagRedis),
		MetricsAddr:     strings.TrimSpace(*flagMetrics),
		CacheDir:        resolvePath(*flagCache, cwd),
		LogPath:         resolvePath(*flagLog, cwd),
		RefreshInterval: refreshParsed,
	}

	if config.URL == "" {
		return Config{}, errors.New("url cannot be empty")
	}
	if u, err := url.Parse(config.URL); err != nil || u.Host == "" {
		return Config{}, fmt.Errorf("invalid url %q", config.URL)
	}
	if config.WSURL == "" {
		ws, err := push.DeriveURL(config.URL)
		if err != nil {
			return Config{}, err
		}
		config.WSURL = ws
	}
	return config, nil
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qualibrate-console")
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
