package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/raido/internal/archive"
)

// Watch observes dir for revision-history archives and sends each one on out
// exactly once, as soon as its size has been stable for one settle interval
// (a finished download stops growing; a rename from ".partial" arrives as a
// create). Archives already present at startup are emitted first. out is
// closed after expect archives have been emitted, or on cancellation; with
// expect <= 0 the watch runs until ctx is done.
func Watch(ctx context.Context, dir string, expect int, logger *slog.Logger, out chan<- archive.Source) error {
	defer close(out)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	const settle = 2 * time.Second

	emitted := make(map[string]struct{})
	pending := make(map[string]int64) // path → last seen size

	emit := func(path string) bool {
		if _, ok := emitted[path]; ok {
			return false
		}
		emitted[path] = struct{}{}
		delete(pending, path)
		logger.Info("watcher: archive ready", slog.String("file", filepath.Base(path)))
		select {
		case out <- archive.NewFileSource(path):
		case <-ctx.Done():
			return false
		}
		return true
	}

	// Emit what's already staged.
	sources, err := archive.ScanDir(dir)
	if err != nil {
		return err
	}
	count := 0
	for _, src := range sources {
		if emit(filepath.Join(dir, src.ID())) {
			count++
			if expect > 0 && count >= expect {
				return nil
			}
		}
	}

	ticker := time.NewTicker(settle)
	defer ticker.Stop()

	logger.Info("watcher: started", slog.String("dir", dir), slog.Int("expect", expect))
	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case <-ticker.C:
			for path, size := range pending {
				info, statErr := os.Stat(path)
				if statErr != nil {
					delete(pending, path)
					continue
				}
				if info.Size() != size {
					pending[path] = info.Size()
					continue
				}
				if emit(path) {
					count++
					if expect > 0 && count >= expect {
						return nil
					}
				}
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !archive.IsHistoryFile(name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && !info.IsDir() {
					if _, seen := emitted[ev.Name]; !seen {
						pending[ev.Name] = info.Size()
					}
				}
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
