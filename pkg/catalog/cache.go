// Package catalog keeps the last graph and node catalogs fetched from each
// server on disk, so the console can show them while the server is down.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Catalog kinds.
const (
	KindGraphs = "graphs"
	KindNodes  = "nodes"
)

// ErrNotFound is returned when nothing is cached under a key.
var ErrNotFound = errors.New("catalog entry not found")

// Cache stores raw catalog payloads per server.
type Cache struct {
	rootPath string
}

// NewCache creates a cache rooted at rootPath. The directory is created on
// first write.
func NewCache(rootPath string) *Cache {
	return &Cache{rootPath: rootPath}
}

// Key maps a server endpoint and catalog kind onto a cache key. The scheme
// is dropped; host and path become directories.
func Key(endpoint, kind string) string {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host + strings.TrimRight(u.Path, "/")
	}
	host = strings.NewReplacer(":", "_", "/", "_").Replace(host)
	return filepath.Join(host, kind+".json")
}

// Put writes the payload atomically (temp file + rename).
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	fullPath := filepath.Join(c.rootPath, key)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tempFile.Close()

	if _, err := io.Copy(tempFile, bytes.NewReader(data)); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), fullPath); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("failed to rename temp file to %s: %w", fullPath, err)
	}
	return nil
}

// Get returns the cached payload, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.rootPath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// List returns the cached keys under prefix, sorted.
func (c *Cache) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	root := filepath.Join(c.rootPath, prefix)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !strings.HasPrefix(info.Name(), "temp-") {
			relPath, err := filepath.Rel(c.rootPath, path)
			if err != nil {
				return err
			}
			keys = append(keys, relPath)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list catalog entries under %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes a cached payload.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := os.Remove(filepath.Join(c.rootPath, key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
