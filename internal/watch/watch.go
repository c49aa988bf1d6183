package watch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the tree must stay quiet before a change fires.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes anywhere below a project directory. Bursts of
// events are coalesced into a single notification, and bursts that leave the
// tree as it was are dropped.
type Watcher struct {
	root     string
	debounce time.Duration
	ignore   []string
	logger   *log.Logger
	fsw      *fsnotify.Watcher
	last     Snapshot
}

// New watches root recursively. Paths under ignore, and hidden files and
// directories, never trigger a change.
func New(root string, debounce time.Duration, ignore []string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{root: root, debounce: debounce, logger: logger, fsw: fsw}
	for _, p := range ignore {
		if abs, err := filepath.Abs(p); err == nil {
			w.ignore = append(w.ignore, abs)
		}
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	if w.last, err = Take(root, w.ignored); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}
	return w, nil
}

// Run calls onChange with the net changes after every quiet period following
// a change, until ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func([]Change)) error {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "err", err)
					}
				}
			}
			w.logger.Debug("change", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		case <-timer.C:
			snap, err := Take(w.root, w.ignored)
			if err != nil {
				w.logger.Warn("failed to snapshot project", "err", err)
				continue
			}
			changes := Diff(w.last, snap)
			w.last = snap
			if len(changes) == 0 {
				w.logger.Debug("no net change")
				continue
			}
			onChange(changes)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(p string) bool {
	for _, ig := range w.ignore {
		if p == ig || strings.HasPrefix(p, ig+string(filepath.Separator)) {
			return true
		}
	}
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
