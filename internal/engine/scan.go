package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonthemediocre/deltasync/internal/delta"
	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// scanRoots walks every configured source tree and synthesizes events
// for files the tracker has not yet confirmed at their current content,
// plus unlinks for tracked paths that no longer exist. emit returns
// false to abort the scan.
func (e *Engine) scanRoots(ctx context.Context, emit func(watcher.FileEvent) bool) error {
	for _, rule := range e.registry.Rules() {
		err := filepath.WalkDir(rule.Source, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				e.logger.Warn("scan error", slog.String("path", path), slog.String("error", err.Error()))
				return nil
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			if d.IsDir() {
				if path != rule.Source && e.registry.IsPathExcluded(path) {
					return fs.SkipDir
				}

				return nil
			}

			if e.registry.IsPathExcluded(path) {
				return nil
			}

			ev, changed, err := e.scanFile(path)
			if err != nil {
				e.logger.Warn("scan hash failed", slog.String("path", path), slog.String("error", err.Error()))
				return nil
			}

			if changed && !emit(ev) {
				return context.Canceled
			}

			return nil
		})
		if err != nil {
			return fmt.Errorf("engine: scanning %s: %w", rule.Source, err)
		}
	}

	// Tracked paths whose files vanished while we were not watching.
	for _, path := range e.delta.Paths() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !e.underWatchedRoot(path) {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			ev := watcher.FileEvent{Type: watcher.EventUnlink, Path: path, Timestamp: time.Now()}
			if !emit(ev) {
				return context.Canceled
			}
		}
	}

	return nil
}

// scanFile hashes one file and reports whether it needs a sync pass:
// untracked paths, changed content, or an unconfirmed pending state.
func (e *Engine) scanFile(path string) (watcher.FileEvent, bool, error) {
	hash, err := watcher.HashFile(path)
	if err != nil {
		return watcher.FileEvent{}, false, err
	}

	st, tracked := e.delta.GetState(path)
	if tracked && st.Hash == hash && st.SyncStatus == delta.StatusSynced {
		return watcher.FileEvent{}, false, nil
	}

	evType := watcher.EventChange
	if !tracked {
		evType = watcher.EventAdd
	}

	return watcher.FileEvent{Type: evType, Path: path, Hash: hash, Timestamp: time.Now()}, true, nil
}

func (e *Engine) underWatchedRoot(path string) bool {
	for _, rule := range e.registry.Rules() {
		if path == rule.Source || strings.HasPrefix(path, rule.Source+string(os.PathSeparator)) {
			return true
		}
	}

	return false
}

// initialScan feeds catch-up events into the work queue so changes made
// while the daemon was down still converge. Runs once at startup.
func (e *Engine) initialScan(ctx context.Context) {
	start := time.Now()
	queued := 0

	err := e.scanRoots(ctx, func(ev watcher.FileEvent) bool {
		select {
		case e.queue <- ev:
			queued++
			return true
		case <-ctx.Done():
			return false
		}
	})
	if err != nil {
		e.logger.Warn("initial scan incomplete", slog.String("error", err.Error()))
	}

	e.logger.Info("initial scan complete",
		slog.Int("queued", queued),
		slog.Duration("duration", time.Since(start)),
	)
}

// SyncOnce performs a single catch-up pass without watching: every
// configured tree is scanned and out-of-date paths are synced
// sequentially. Returns the number of events processed.
func (e *Engine) SyncOnce(ctx context.Context) (int, error) {
	e.mlCfg = e.registry.GetMLConfig()
	e.adv = e.registry.GetAdvancedConfig()
	e.conflict = e.registry.ConflictResolution()

	// The queue only backs the requeue recovery action here.
	e.queue = make(chan watcher.FileEvent, e.adv.QueueSize)

	if err := e.delta.LoadSnapshot(); err != nil {
		return 0, fmt.Errorf("engine: restoring snapshot: %w", err)
	}

	if e.mlCfg.Enabled {
		if err := e.model.Initialize(); err != nil {
			return 0, fmt.Errorf("engine: initializing model: %w", err)
		}
	}

	processed := 0

	err := e.scanRoots(ctx, func(ev watcher.FileEvent) bool {
		e.processEvent(ctx, ev)
		processed++

		return ctx.Err() == nil
	})
	if err != nil {
		return processed, err
	}

	// Drain requeued recovery events, each at most once.
drain:
	for i := 0; i < cap(e.queue); i++ {
		select {
		case ev := <-e.queue:
			e.processEvent(ctx, ev)
			processed++
		default:
			break drain
		}
	}

	if err := e.delta.SaveSnapshot(); err != nil {
		return processed, fmt.Errorf("engine: saving snapshot: %w", err)
	}

	e.logger.Info("one-shot sync complete", slog.Int("processed", processed))

	return processed, nil
}
