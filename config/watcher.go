package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultReloadDebounce is how long to wait for more changes before reloading.
const defaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
// Reloads that fail to parse or validate are counted and discarded,
// keeping the last good configuration in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
	debounce time.Duration

	watcher *fsnotify.Watcher

	// Debouncing: collect changes before reloading
	pendingMu sync.Mutex
	pending   bool

	// Last applied config and its content hash
	currentMu sync.RWMutex
	current   *Config
	hash      string

	// Metrics
	rejectedReloads atomic.Int64
}

// NewWatcher creates a watcher for the given config file. The initial config
// is served from Current until the first successful reload.
func NewWatcher(path string, initial *Config, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		logger:   logger,
		onChange: onChange,
		debounce: defaultReloadDebounce,
		watcher:  fsw,
		current:  initial,
	}

	// Seed the hash so an unchanged file does not trigger a reload
	if data, err := os.ReadFile(w.path); err == nil {
		w.hash = contentHash(data)
	}

	return w, nil
}

// Start begins watching the config file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the parent directory: editors often replace files via rename,
	// which drops a watch placed on the file itself
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started",
		"path", w.path,
		"debounce", w.debounce)

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// Current returns the last applied configuration.
func (w *Watcher) Current() *Config {
	w.currentMu.RLock()
	defer w.currentMu.RUnlock()
	return w.current
}

// RejectedReloads returns the number of reloads discarded because the file
// failed to parse or validate.
func (w *Watcher) RejectedReloads() int64 {
	return w.rejectedReloads.Load()
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent marks a reload pending when the config file itself changed.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()

	w.logger.Debug("Config change detected", "op", event.Op.String())
}

// flushPending reloads the file if a change is pending and the content
// actually differs from the last applied config.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !pending {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		// File may be mid-replace; the next event retries
		w.logger.Warn("Failed to read config file", "path", w.path, "error", err)
		return
	}

	newHash := contentHash(data)
	w.currentMu.RLock()
	unchanged := newHash == w.hash
	w.currentMu.RUnlock()
	if unchanged {
		return
	}

	config, err := LoadFromFile(w.path)
	if err != nil {
		w.rejectedReloads.Add(1)
		w.logger.Warn("Rejected config reload", "path", w.path, "error", err)
		return
	}
	if err := config.Validate(); err != nil {
		w.rejectedReloads.Add(1)
		w.logger.Warn("Rejected invalid config reload", "path", w.path, "error", err)
		return
	}

	w.currentMu.Lock()
	w.current = config
	w.hash = newHash
	w.currentMu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(config)
	}
}

// contentHash returns the hex SHA-256 of the file content.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
