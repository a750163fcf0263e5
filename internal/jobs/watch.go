package jobs

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/me/docket/pkg/model"
)

// watchDebounce coalesces bursts of file events from editors and
// deployment tools into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the job directory whenever a file under it changes and
// passes the new job set to onReload. A directory that fails to load is
// logged and the previous jobs stay in effect. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, dir string, logger *slog.Logger, onReload func([]*model.Job)) error {
	logger = logger.With("component", "jobs-watch", "dir", dir)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := addTree(w, dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			jobs, err := LoadDir(dir)
			if err != nil {
				logger.Warn("job reload failed; keeping current jobs", "error", err)
				return
			}
			logger.Info("jobs reloaded", "jobs", len(jobs))
			onReload(jobs)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	logger.Info("watching job directory")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// New subdirectories must be watched too.
				if err := addTree(w, ev.Name); err != nil {
					logger.Debug("watch new path", "path", ev.Name, "error", err)
				}
			}
			if isJobEvent(ev) {
				logger.Debug("job file changed", "path", ev.Name, "op", ev.Op.String())
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				reload()
			}
		}
	}
}

func isJobEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	// A removed or renamed directory has no extension but can drop jobs.
	return filepath.Ext(ev.Name) == ".yaml" || filepath.Ext(ev.Name) == "" || ev.Has(fsnotify.Remove)
}

// addTree watches root and every directory below it. A non-directory root
// is ignored.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}
