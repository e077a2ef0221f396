package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor emits for one save.
const DefaultDebounce = time.Second

// Watcher emits one event per burst of SKILL.md changes under the watched
// roots. It watches each root and its immediate child directories.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	logger   *slog.Logger
	events   chan string
}

func NewWatcher(dirs []string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	cp := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		cp = append(cp, d)
	}
	return &Watcher{
		dirs:     cp,
		debounce: debounce,
		logger:   logger.With("component", "skills_watcher"),
		events:   make(chan string, 16),
	}
}

// Events carries the path of the last changed SKILL.md in each burst.
// It is closed when the watcher stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	addDir := func(dir string) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			w.logger.Warn("abs failed", "dir", dir, "error", err)
			return
		}
		if err := fsw.Add(abs); err != nil {
			if os.IsNotExist(err) {
				return
			}
			w.logger.Warn("add failed", "dir", abs, "error", err)
			return
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if ent.IsDir() {
				_ = fsw.Add(filepath.Join(abs, ent.Name()))
			}
		}
		w.logger.Info("watching skills directory", "dir", abs)
	}

	for _, dir := range w.dirs {
		addDir(dir)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		var last string
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if last == "" {
				return
			}
			select {
			case w.events <- last:
			default:
			}
			last = ""
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}

				// New skill directories are watched as they appear. The SKILL.md
				// inside may be created before the watch lands, so a new dir counts.
				createdDir := false
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						createdDir = true
						_ = fsw.Add(ev.Name)
					}
				}
				if filepath.Base(ev.Name) != "SKILL.md" && !createdDir {
					continue
				}
				w.logger.Debug("skill change detected", "path", ev.Name)
				last = ev.Name

				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.debounce)
				}
				timerC = timer.C

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("skills watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}
