package pipeline

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Cache holds parsed Documents keyed by absolute file path, invalidating
// an entry the instant its backing file changes on disk rather than
// re-stat'ing on every lookup (spec.md §9, "Pipeline directory watching").
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Document

	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// NewCache starts watching dir for pipeline file changes and returns a
// Cache that lazily parses on first Get and re-parses after invalidation.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &blderrors.IOError{Op: "create pipeline watcher", Path: dir, Cause: err}
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, &blderrors.IOError{Op: "watch pipeline directory", Path: dir, Cause: err}
	}

	c := &Cache{
		entries: make(map[string]*Document),
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

func (c *Cache) watch() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				c.invalidate(event.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			if c.logger != nil {
				c.logger.Warn("pipeline cache watch error", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Cache) invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.mu.Lock()
	delete(c.entries, abs)
	c.mu.Unlock()
}

// Get returns the parsed Document for path, parsing and caching it on a
// miss.
func (c *Cache) Get(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	c.mu.RLock()
	doc, ok := c.entries[abs]
	c.mu.RUnlock()
	if ok {
		return doc, nil
	}

	doc, err = Load(abs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[abs] = doc
	c.mu.Unlock()
	return doc, nil
}

// Close stops the underlying filesystem watch.
func (c *Cache) Close() error {
	close(c.done)
	return c.watcher.Close()
}
