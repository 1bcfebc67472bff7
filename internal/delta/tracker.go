// Package delta maintains per-path sync state: hash-comparison change
// detection, pending/synced transitions, and snapshot persistence for
// crash recovery. State is owned exclusively by the Tracker; the engine
// serializes per-path processing so state transitions for one path
// never interleave.
package delta

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// SyncStatus is the lifecycle state of a tracked path.
type SyncStatus string

// Sync statuses.
const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
)

// SyncState is the tracked state for one path.
type SyncState struct {
	Path         string     `json:"path"`
	Hash         string     `json:"hash"`
	SyncStatus   SyncStatus `json:"sync_status"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// Sink receives counter observations from the tracker. The engine's
// metrics ledger implements it; tests use a no-op.
type Sink interface {
	Observe(metric string)
}

// Metric names reported to the sink.
const (
	MetricEventsSeen  = "events_seen"
	MetricRealChanges = "real_changes"
	MetricNoOps       = "no_op_changes"
	MetricUnlinks     = "unlinks"
	MetricConfirms    = "confirms"
)

// NopSink discards all observations.
type NopSink struct{}

// Observe implements Sink.
func (NopSink) Observe(string) {}

// Tracker is the delta-sync state machine. All methods are safe for
// concurrent use; the map mutex is held only for in-memory transitions,
// never across I/O.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*SyncState

	store  *SnapshotStore
	sink   Sink
	logger *slog.Logger
}

// NewTracker creates a Tracker persisting snapshots via store. A nil
// sink is replaced with NopSink.
func NewTracker(store *SnapshotStore, sink Sink, logger *slog.Logger) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}

	return &Tracker{
		states: make(map[string]*SyncState),
		store:  store,
		sink:   sink,
		logger: logger,
	}
}

// SnapshotPath returns the file the tracker persists snapshots to.
func (t *Tracker) SnapshotPath() string {
	return t.store.Path()
}

// HandleFileEvent applies one event and reports whether it represents a
// real change requiring sync action. Adds and unlinks always do; a
// change only when the hash differs from the last recorded hash. A
// no-op change mutates nothing.
func (t *Tracker) HandleFileEvent(ev watcher.FileEvent) bool {
	t.sink.Observe(MetricEventsSeen)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case watcher.EventUnlink:
		delete(t.states, ev.Path)
		t.sink.Observe(MetricUnlinks)

		t.logger.Debug("state removed on unlink", slog.String("path", ev.Path))

		return true

	case watcher.EventAdd:
		t.transitionPending(ev.Path, ev.Hash)
		t.sink.Observe(MetricRealChanges)

		return true

	case watcher.EventChange:
		existing, ok := t.states[ev.Path]
		if ok && existing.Hash == ev.Hash {
			t.sink.Observe(MetricNoOps)

			return false
		}

		t.transitionPending(ev.Path, ev.Hash)
		t.sink.Observe(MetricRealChanges)

		return true
	}

	return false
}

// transitionPending creates or updates the state for path with the new
// hash. Must be called with the mutex held.
func (t *Tracker) transitionPending(path, hash string) {
	st, ok := t.states[path]
	if !ok {
		st = &SyncState{Path: path}
		t.states[path] = st
	}

	st.Hash = hash
	st.SyncStatus = StatusPending
	st.LastSyncTime = nil
}

// ConfirmSync transitions pending -> synced and stamps lastSyncTime.
// Idempotent; unknown paths are a no-op.
func (t *Tracker) ConfirmSync(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[path]
	if !ok {
		t.logger.Debug("confirm for unknown path ignored", slog.String("path", path))
		return
	}

	if st.SyncStatus != StatusSynced {
		now := time.Now().UTC()
		st.SyncStatus = StatusSynced
		st.LastSyncTime = &now
	}

	t.sink.Observe(MetricConfirms)
}

// GetState returns a copy of the state for path.
func (t *Tracker) GetState(path string) (SyncState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[path]
	if !ok {
		return SyncState{}, false
	}

	return *st, true
}

// GetPendingSyncs returns all states with status pending, sorted by
// path for deterministic output.
func (t *Tracker) GetPendingSyncs() []SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []SyncState

	for _, st := range t.states {
		if st.SyncStatus == StatusPending {
			out = append(out, *st)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// Paths returns all tracked paths, sorted.
func (t *Tracker) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.states))
	for path := range t.states {
		out = append(out, path)
	}

	sort.Strings(out)

	return out
}

// Len returns the number of tracked paths.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.states)
}

// ClearState removes the state for a single path.
func (t *Tracker) ClearState(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, path)
}

// snapshotView copies the full state map for serialization.
func (t *Tracker) snapshotView() map[string]SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]SyncState, len(t.states))
	for path, st := range t.states {
		out[path] = *st
	}

	return out
}

// restore replaces the in-memory state with the snapshot contents.
func (t *Tracker) restore(states map[string]SyncState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states = make(map[string]*SyncState, len(states))

	for path, st := range states {
		cp := st
		t.states[path] = &cp
	}
}
