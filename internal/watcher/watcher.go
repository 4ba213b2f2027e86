// Package watcher observes filesystem subtrees and emits debounced,
// typed change notifications for source-relevant files.
package watcher

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Op is the kind of change observed.
type Op int

const (
	OpAdded Op = iota
	OpModified
	OpRemoved
)

// String returns the op name.
func (op Op) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpModified:
		return "modified"
	case OpRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is a detected file change.
type Change struct {
	Path string
	Op   Op
}

// Config configures the watcher.
type Config struct {
	// Paths are the directory subtrees to watch.
	Paths []string

	// Ignore patterns to skip (globs matched against the base name,
	// plain names matched against any path segment).
	Ignore []string

	// Extensions limits notifications to files with these extensions.
	Extensions []string

	// Debounce is the polling interval. Changes landing inside one
	// window coalesce into a single scan's notifications, which keeps
	// editor save bursts from triggering a reload storm.
	Debounce time.Duration
}

// DefaultIgnore contains default patterns to ignore.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	".fauxgate",
	"*.tmp",
	"*.swp",
	"*~",
}

// DefaultExtensions are the source extensions watched by default.
var DefaultExtensions = []string{".js", ".cjs", ".mjs", ".json"}

// Watcher polls the configured subtrees for changes.
type Watcher struct {
	config Config

	mu         sync.Mutex
	onChange   func(Change)
	running    bool
	stopCh     chan struct{}
	timestamps map[string]time.Time
}

// New creates a watcher. Zero-value config fields get defaults.
func New(config Config) *Watcher {
	if config.Debounce == 0 {
		config.Debounce = 100 * time.Millisecond
	}
	if len(config.Ignore) == 0 {
		config.Ignore = DefaultIgnore
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultExtensions
	}

	return &Watcher{
		config:     config,
		timestamps: make(map[string]time.Time),
	}
}

// OnChange sets the callback invoked for each change.
func (w *Watcher) OnChange(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start begins watching. It blocks until the context is canceled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.scanInitial()

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// scanInitial builds the initial timestamp map without reporting.
func (w *Watcher) scanInitial() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, root := range w.config.Paths {
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if w.shouldIgnore(p) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.relevant(p) {
				w.timestamps[p] = info.ModTime()
			}
			return nil
		})
	}
}

// checkForChanges scans for added, modified, and removed files.
func (w *Watcher) checkForChanges() {
	w.mu.Lock()
	callback := w.onChange
	w.mu.Unlock()

	if callback == nil {
		return
	}

	var changes []Change

	for _, root := range w.config.Paths {
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if w.shouldIgnore(p) {
					return filepath.SkipDir
				}
				return nil
			}
			if !w.relevant(p) {
				return nil
			}

			w.mu.Lock()
			lastMod, exists := w.timestamps[p]
			modTime := info.ModTime()
			if !exists || modTime.After(lastMod) {
				w.timestamps[p] = modTime
			}
			w.mu.Unlock()

			switch {
			case !exists:
				changes = append(changes, Change{Path: p, Op: OpAdded})
			case modTime.After(lastMod):
				changes = append(changes, Change{Path: p, Op: OpModified})
			}
			return nil
		})
	}

	w.mu.Lock()
	for p := range w.timestamps {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			delete(w.timestamps, p)
			changes = append(changes, Change{Path: p, Op: OpRemoved})
		}
	}
	w.mu.Unlock()

	for _, change := range changes {
		callback(change)
	}
}

// relevant reports whether the file should produce notifications.
func (w *Watcher) relevant(p string) bool {
	if w.shouldIgnore(p) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(p))
	for _, want := range w.config.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// shouldIgnore checks the path against the ignore patterns.
func (w *Watcher) shouldIgnore(p string) bool {
	base := filepath.Base(p)

	for _, pattern := range w.config.Ignore {
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
		// Plain names also match any path segment (e.g. node_modules
		// anywhere under the watched roots).
		if !strings.ContainsAny(pattern, "*?[") {
			for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
				if seg == pattern {
					return true
				}
			}
		}
	}
	return false
}
