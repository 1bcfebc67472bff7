package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// snapshotVersion guards against reading snapshots written by an
// incompatible layout.
const snapshotVersion = 1

// snapshotFilePerms restricts snapshots to the owning user.
const snapshotFilePerms = 0o600

// staleSnapshotAge triggers a warning on load: state this old likely
// predates a long outage and pending entries may no longer be accurate.
const staleSnapshotAge = 7 * 24 * time.Hour

// ErrCorruptSnapshot is returned when the snapshot file cannot be
// parsed. The caller decides whether to rebuild from a fresh scan.
var ErrCorruptSnapshot = errors.New("delta: corrupt snapshot file")

// snapshotDoc is the on-disk JSON layout.
type snapshotDoc struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	States  map[string]SyncState `json:"states"`
}

// SnapshotStore persists the full state map as a single JSON document,
// written atomically (temp file then rename) so a crash mid-write never
// leaves a truncated snapshot.
type SnapshotStore struct {
	path   string
	logger *slog.Logger
}

// NewSnapshotStore creates a store writing to path. The parent
// directory is created on first save.
func NewSnapshotStore(path string, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{path: path, logger: logger}
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string {
	return s.path
}

func (s *SnapshotStore) save(states map[string]SyncState) error {
	doc := snapshotDoc{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		States:  states,
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("delta: encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("delta: creating snapshot directory: %w", err)
	}

	// A unique temp name per save; concurrent savers (the interval
	// snapshotter racing a shutdown flush) must never truncate each
	// other's partial writes.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("delta: creating snapshot temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("delta: writing snapshot temp file: %w", err)
	}

	if err := tmp.Chmod(snapshotFilePerms); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("delta: setting snapshot permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("delta: closing snapshot temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("delta: renaming snapshot into place: %w", err)
	}

	s.logger.Debug("snapshot written",
		slog.String("path", s.path),
		slog.Int("states", len(states)),
	)

	return nil
}

func (s *SnapshotStore) load() (map[string]SyncState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("delta: reading snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, s.path, err)
	}

	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptSnapshot, s.path, doc.Version)
	}

	if age := time.Since(doc.SavedAt); age > staleSnapshotAge {
		s.logger.Warn("snapshot is stale, pending entries may be outdated",
			slog.String("path", s.path),
			slog.Duration("age", age),
		)
	}

	return doc.States, nil
}

// SaveSnapshot serializes the full state map to disk.
func (t *Tracker) SaveSnapshot() error {
	states := t.snapshotView()

	if err := t.store.save(states); err != nil {
		return err
	}

	t.logger.Info("snapshot saved",
		slog.String("path", t.store.path),
		slog.Int("states", len(states)),
	)

	return nil
}

// LoadSnapshot restores the state map from the latest snapshot. A
// missing snapshot leaves the tracker empty; this is the first-run
// case, not an error.
func (t *Tracker) LoadSnapshot() error {
	states, err := t.store.load()
	if err != nil {
		return err
	}

	if states == nil {
		t.logger.Info("no snapshot found, starting with empty state",
			slog.String("path", t.store.path))

		return nil
	}

	t.restore(states)

	t.logger.Info("snapshot restored",
		slog.String("path", t.store.path),
		slog.Int("states", len(states)),
	)

	return nil
}

// RunSnapshotter persists on the fixed interval until the context is
// canceled, then writes one final snapshot. onSave, when non-nil, runs
// after each successful save (the engine emits snapshot_saved there).
func (t *Tracker) RunSnapshotter(ctx context.Context, interval time.Duration, onSave func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := t.SaveSnapshot(); err != nil {
				t.logger.Error("final snapshot failed", slog.String("error", err.Error()))
			} else if onSave != nil {
				onSave()
			}

			return

		case <-ticker.C:
			if err := t.SaveSnapshot(); err != nil {
				t.logger.Error("interval snapshot failed", slog.String("error", err.Error()))
				continue
			}

			if onSave != nil {
				onSave()
			}
		}
	}
}
