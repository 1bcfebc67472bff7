// Package watcher observes filesystem subtrees via OS-native
// notifications (fsnotify) and emits typed change events carrying a
// content hash. Rapid repeated writes to the same path within the
// debounce window coalesce into a single event with the final hash.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType classifies a filesystem mutation.
type EventType string

// Event types.
const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventUnlink EventType = "unlink"
)

// FileEvent is one observed filesystem mutation. Hash is empty for
// unlink events.
type FileEvent struct {
	Type      EventType
	Path      string
	Hash      string
	Timestamp time.Time
}

// Watcher error backoff tuning, mirroring the kernel-overflow guard in
// the underlying notification APIs.
const (
	errInitBackoff = 100 * time.Millisecond
	errMaxBackoff  = 30 * time.Second
	errBackoffMult = 2
)

// ErrClosed is returned by WatchPath after UnwatchAll.
var ErrClosed = errors.New("watcher: closed")

// Watcher emits FileEvents for all registered roots. Create with New,
// register roots with WatchPath, then drive the delivery loop with Run.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	out      chan FileEvent
	logger   *slog.Logger

	mu      sync.Mutex
	roots   map[string]bool
	known   map[string]bool // paths we have emitted add for (add vs change)
	pending map[string]*time.Timer
	closed  bool
}

// New creates a Watcher with the given debounce window and output
// buffer size. The caller must call Run to start delivery and
// UnwatchAll to release OS watch handles.
func New(debounce time.Duration, buffer int, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}

	if buffer < 1 {
		buffer = 1
	}

	return &Watcher{
		fsw:      fsw,
		debounce: debounce,
		out:      make(chan FileEvent, buffer),
		logger:   logger,
		roots:    make(map[string]bool),
		known:    make(map[string]bool),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Events returns the delivery channel. It is closed when Run exits.
func (w *Watcher) Events() <-chan FileEvent {
	return w.out
}

// WatchPath begins recursive observation of dir. Idempotent per
// directory. Files already present are recorded as known without
// emitting events; only subsequent mutations are reported.
func (w *Watcher) WatchPath(dir string) error {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	if w.roots[dir] {
		w.mu.Unlock()
		w.logger.Debug("already watching root", slog.String("dir", dir))

		return nil
	}

	w.roots[dir] = true
	w.mu.Unlock()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("walk error during watch registration",
				slog.String("path", path), slog.String("error", walkErr.Error()))
			return nil
		}

		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				return fmt.Errorf("watcher: adding watch for %s: %w", path, addErr)
			}

			return nil
		}

		w.mu.Lock()
		w.known[path] = true
		w.mu.Unlock()

		return nil
	})
	if err != nil {
		return err
	}

	w.logger.Info("watching root", slog.String("dir", dir))

	return nil
}

// UnwatchAll cancels pending debounce timers and releases all OS watch
// handles. The delivery channel closes once Run observes the closed
// fsnotify event stream.
func (w *Watcher) UnwatchAll() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	w.closed = true

	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("watcher: closing fsnotify watcher: %w", err)
	}

	w.logger.Info("all watches released")

	return nil
}

// Run drives the event loop until the context is canceled or the
// watcher is closed. Returns nil on clean shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	backoff := errInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handleFsEvent(ev)

			backoff = errInitBackoff

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			// Backoff prevents a tight loop under sustained errors
			// (e.g. kernel event buffer overflow).
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}

			backoff *= errBackoffMult
			if backoff > errMaxBackoff {
				backoff = errMaxBackoff
			}
		}
	}
}

// handleFsEvent routes one fsnotify event: deletes emit immediately,
// writes and creates arm (or re-arm) the per-path debounce timer.
func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	// Mode changes are not synced.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	// Keep the exact on-disk spelling; stat and hashing below operate on
	// these bytes. Unicode equivalence is handled where names are
	// compared against configured patterns, not here.
	path := filepath.Clean(ev.Name)

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.handleRemove(path)

	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		// New directories join the recursive watch; their contents
		// arrive as separate Create events.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if ev.Has(fsnotify.Create) {
				w.addDirWatch(ev.Name)
			}

			return
		}

		w.armDebounce(path)
	}
}

// handleRemove cancels any pending coalescing for the path and emits an
// unlink if the path was known. Removes converging with pending writes
// resolve on the side of the unlink; a subsequent re-create produces a
// fresh add.
func (w *Watcher) handleRemove(path string) {
	w.mu.Lock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}

	wasKnown := w.known[path]
	delete(w.known, path)

	closed := w.closed
	w.mu.Unlock()

	if !wasKnown || closed {
		return
	}

	w.emit(FileEvent{Type: EventUnlink, Path: path, Timestamp: time.Now()})
}

// armDebounce starts or resets the per-path coalescing timer. When the
// timer fires with no further mutations, the path is hashed once and a
// single add/change event carries the final hash.
func (w *Watcher) armDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}

	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.finalize(path)
	})
}

// finalize runs after the debounce window: stat, hash, classify add vs
// change, emit.
func (w *Watcher) finalize(path string) {
	w.mu.Lock()
	delete(w.pending, path)

	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		// Disappeared inside the debounce window; the Remove event
		// handles the unlink.
		w.logger.Debug("stat failed after debounce",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	if info.IsDir() {
		return
	}

	hash, err := HashFile(path)
	if err != nil {
		w.logger.Warn("hash computation failed, skipping event",
			slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	w.mu.Lock()
	evType := EventChange
	if !w.known[path] {
		evType = EventAdd
		w.known[path] = true
	}
	w.mu.Unlock()

	w.emit(FileEvent{Type: evType, Path: path, Hash: hash, Timestamp: time.Now()})
}

// emit blocks until the consumer accepts the event. A full queue delays
// watcher dispatch rather than dropping events.
func (w *Watcher) emit(ev FileEvent) {
	w.out <- ev

	w.logger.Debug("file event emitted",
		slog.String("type", string(ev.Type)),
		slog.String("path", ev.Path),
	)
}

func (w *Watcher) addDirWatch(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("failed to watch new directory",
			slog.String("dir", dir), slog.String("error", err.Error()))

		return
	}

	// Files created before the watch was registered would otherwise be
	// missed; sweep the new subtree once.
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || path == dir {
			return nil
		}

		if d.IsDir() {
			w.addDirWatch(path)
			return filepath.SkipDir
		}

		w.armDebounce(path)

		return nil
	})
}
