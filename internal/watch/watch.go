// Package watch reports batches of file changes under a set of source
// directories. It drives browser live reload.
package watch

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one changed file in a batch.
type Change struct {
	Path string
	Op   fsnotify.Op
}

// BatchFunc receives each debounced batch, sorted by path.
type BatchFunc func([]Change)

// Watcher recursively watches directories for changes.
type Watcher struct {
	dirs     []string
	onBatch  BatchFunc
	logger   *slog.Logger
	debounce time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of events to
// settle. Default is 100ms.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// New creates a watcher over dirs. A nil logger discards output.
func New(dirs []string, onBatch BatchFunc, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Watcher{
		dirs:     dirs,
		onBatch:  onBatch,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ignored reports whether a file or directory name is skipped: dot entries,
// node_modules, and editor swap/backup files.
func Ignored(name string) bool {
	base := filepath.Base(name)
	switch {
	case base == "node_modules":
		return true
	case strings.HasPrefix(base, ".") && base != "." && base != "..":
		return true
	case strings.HasSuffix(base, "~"), strings.HasSuffix(base, ".swp"):
		return true
	}
	return false
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && Ignored(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return err
		}
		return nil
	})
}

// Run blocks until ctx is cancelled. Missing directories are skipped with a
// warning; it returns an error only when the watcher cannot be set up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, dir := range w.dirs {
		if err := w.addTree(fsw, dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("watch directory missing, skipping", "dir", dir)
				continue
			}
			return err
		}
		w.logger.Debug("watching directory", "dir", dir)
	}

	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if Ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
					}
				}
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]Change, 0, len(pending))
			for p, op := range pending {
				batch = append(batch, Change{Path: p, Op: op})
			}
			sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
			clear(pending)
			w.onBatch(batch)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}
