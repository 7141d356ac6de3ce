package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qua-platform/qualibrate-console/pkg/client"
	"github.com/qua-platform/qualibrate-console/pkg/push"
)

type Config struct {
	URL         string
	WSURL       string
	Cookie      string
	JournalPath string
	RedisAddr   string
	MetricsAddr string
	CacheDir    string
	LogLevel    string
}

// defaultConfig reads the environment; flags registered by bindFlags
// override it.
func defaultConfig() Config {
	return Config{
		URL:         envOrDefault("QUALIBRATE_URL", client.DefaultEndpoint),
		WSURL:       os.Getenv("QUALIBRATE_WS_URL"),
		Cookie:      os.Getenv("QUALIBRATE_COOKIE"),
		JournalPath: os.Getenv("QUALIBRATE_JOURNAL"),
		RedisAddr:   os.Getenv("QUALIBRATE_REDIS_ADDR"),
		MetricsAddr: os.Getenv("QUALIBRATE_METRICS_ADDR"),
		CacheDir:    os.Getenv("QUALIBRATE_CACHE_DIR"),
		LogLevel:    envOrDefault("QUALIBRATE_LOG_LEVEL", "info"),
	}
}

func bindFlags(cmd *cobra.Command, cfg *Config) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&cfg.URL, "url", cfg.URL, "execution server root URL")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "run-status WebSocket URL (derived from --url when empty)")
	fs.StringVar(&cfg.Cookie, "cookie", cfg.Cookie, "session cookie sent with every request")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "path to the SQLite run journal (disabled when empty)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the shared run-status cache (disabled when empty)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "listen address for Prometheus metrics (disabled when empty)")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory for the offline graph and node catalog (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
}

// resolve validates the configuration and fills derived values.
func (c *Config) resolve() error {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	if c.URL == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url %q", c.URL)
	}
	if c.WSURL == "" {
		ws, err := push.DeriveURL(c.URL)
		if err != nil {
			return err
		}
		c.WSURL = ws
	}
	if c.JournalPath != "" && !filepath.IsAbs(c.JournalPath) {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get cwd: %w", err)
		}
		c.JournalPath = filepath.Join(cwd, c.JournalPath)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.LogLevel)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
