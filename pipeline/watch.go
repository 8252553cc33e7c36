package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchIgnoredDirs are directory names never watched.
var watchIgnoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"build":        true,
	"dist":         true,
}

// Watcher observes a working copy and reports batches of changed files after
// a quiet period. A full reindex run decides per file whether anything
// actually changed, so the watcher only needs to be a cheap trigger.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(paths []string)
	logger   *slog.Logger
}

// NewWatcher creates a watcher over root. onChange receives relative paths.
func NewWatcher(root string, debounce time.Duration, onChange func(paths []string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.root); err != nil {
		return err
	}

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerCh <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]bool)
		w.onChange(paths)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}

			// New directories need their own watches.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(watcher, event.Name); err != nil {
						w.logger.Warn("Failed to watch new directory",
							"dir", event.Name, "error", err)
					}
					continue
				}
			}

			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) ||
				event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
				rel, err := filepath.Rel(w.root, event.Name)
				if err != nil {
					rel = event.Name
				}
				pending[filepath.ToSlash(rel)] = true

				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				timerCh = timer.C
			}

		case <-timerCh:
			timerCh = nil
			flush()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if watchIgnoredDirs[d.Name()] && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if watchIgnoredDirs[part] {
			return true
		}
	}
	return false
}
