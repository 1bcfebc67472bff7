package delta

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// countingSink records observations per metric name.
type countingSink struct {
	counts map[string]int
}

func newCountingSink() *countingSink {
	return &countingSink{counts: make(map[string]int)}
}

func (s *countingSink) Observe(metric string) {
	s.counts[metric]++
}

func newTestTracker(t *testing.T, sink Sink) *Tracker {
	t.Helper()

	store := NewSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json"), testLogger(t))

	return NewTracker(store, sink, testLogger(t))
}

func addEvent(path, hash string) watcher.FileEvent {
	return watcher.FileEvent{Type: watcher.EventAdd, Path: path, Hash: hash, Timestamp: time.Now()}
}

func changeEvent(path, hash string) watcher.FileEvent {
	return watcher.FileEvent{Type: watcher.EventChange, Path: path, Hash: hash, Timestamp: time.Now()}
}

func unlinkEvent(path string) watcher.FileEvent {
	return watcher.FileEvent{Type: watcher.EventUnlink, Path: path, Timestamp: time.Now()}
}

func TestAddCreatesPendingState(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))

	st, ok := tr.GetState("/a/f")
	require.True(t, ok)
	assert.Equal(t, "h1", st.Hash)
	assert.Equal(t, StatusPending, st.SyncStatus)
	assert.Nil(t, st.LastSyncTime)
}

func TestNoOpChangeMutatesNothing(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	tr.ConfirmSync("/a/f")

	before, ok := tr.GetState("/a/f")
	require.True(t, ok)

	// Same hash again: no state transition, no pending work.
	assert.False(t, tr.HandleFileEvent(changeEvent("/a/f", "h1")))

	after, ok := tr.GetState("/a/f")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Empty(t, tr.GetPendingSyncs())
}

func TestRealChangeTransitionsToPending(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	tr.ConfirmSync("/a/f")

	require.True(t, tr.HandleFileEvent(changeEvent("/a/f", "h2")))

	st, ok := tr.GetState("/a/f")
	require.True(t, ok)
	assert.Equal(t, "h2", st.Hash)
	assert.Equal(t, StatusPending, st.SyncStatus)
	assert.Nil(t, st.LastSyncTime, "last sync time must reset on a new change")
}

func TestUnlinkRemovesState(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	require.True(t, tr.HandleFileEvent(unlinkEvent("/a/f")))

	_, ok := tr.GetState("/a/f")
	assert.False(t, ok)
	assert.Zero(t, tr.Len())
}

func TestConfirmSync(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	tr.ConfirmSync("/a/f")

	st, ok := tr.GetState("/a/f")
	require.True(t, ok)
	assert.Equal(t, StatusSynced, st.SyncStatus)
	require.NotNil(t, st.LastSyncTime)

	// Idempotent: a second confirm keeps the original timestamp.
	first := *st.LastSyncTime
	tr.ConfirmSync("/a/f")

	st, _ = tr.GetState("/a/f")
	assert.True(t, first.Equal(*st.LastSyncTime))

	// Unknown paths are ignored.
	tr.ConfirmSync("/never/seen")
	assert.Equal(t, 1, tr.Len())
}

func TestGetPendingSyncsSorted(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/c", "h3")))
	require.True(t, tr.HandleFileEvent(addEvent("/a", "h1")))
	require.True(t, tr.HandleFileEvent(addEvent("/b", "h2")))
	tr.ConfirmSync("/b")

	pending := tr.GetPendingSyncs()
	require.Len(t, pending, 2)
	assert.Equal(t, "/a", pending[0].Path)
	assert.Equal(t, "/c", pending[1].Path)
}

func TestSinkObservations(t *testing.T) {
	t.Parallel()

	sink := newCountingSink()
	tr := newTestTracker(t, sink)

	tr.HandleFileEvent(addEvent("/a", "h1"))
	tr.HandleFileEvent(changeEvent("/a", "h1")) // no-op
	tr.HandleFileEvent(changeEvent("/a", "h2")) // real
	tr.HandleFileEvent(unlinkEvent("/a"))
	tr.ConfirmSync("/a") // state was removed by the unlink, so no confirm

	assert.Equal(t, 4, sink.counts[MetricEventsSeen])
	assert.Equal(t, 2, sink.counts[MetricRealChanges])
	assert.Equal(t, 1, sink.counts[MetricNoOps])
	assert.Equal(t, 1, sink.counts[MetricUnlinks])
	assert.Zero(t, sink.counts[MetricConfirms])
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	logger := testLogger(t)

	tr := NewTracker(NewSnapshotStore(path, logger), nil, logger)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	require.True(t, tr.HandleFileEvent(addEvent("/a/g", "h2")))
	tr.ConfirmSync("/a/f")

	require.NoError(t, tr.SaveSnapshot())

	restored := NewTracker(NewSnapshotStore(path, logger), nil, logger)
	require.NoError(t, restored.LoadSnapshot())

	require.Equal(t, tr.Len(), restored.Len())

	// States must round-trip byte-identically through JSON.
	for _, p := range []string{"/a/f", "/a/g"} {
		want, ok := tr.GetState(p)
		require.True(t, ok)

		got, ok := restored.GetState(p)
		require.True(t, ok)

		wantJSON, err := json.Marshal(want)
		require.NoError(t, err)

		gotJSON, err := json.Marshal(got)
		require.NoError(t, err)

		assert.Equal(t, string(wantJSON), string(gotJSON))
	}
}

func TestClearStateRestoredByLoad(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	tr.ConfirmSync("/a/f")
	require.NoError(t, tr.SaveSnapshot())

	want, ok := tr.GetState("/a/f")
	require.True(t, ok)

	tr.ClearState("/a/f")
	_, ok = tr.GetState("/a/f")
	require.False(t, ok)

	require.NoError(t, tr.LoadSnapshot())

	got, ok := tr.GetState("/a/f")
	require.True(t, ok)
	assert.Equal(t, want.Hash, got.Hash)
	assert.Equal(t, want.SyncStatus, got.SyncStatus)
	require.NotNil(t, got.LastSyncTime)
	assert.True(t, want.LastSyncTime.Equal(*got.LastSyncTime))
}

func TestPathsSorted(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	tr.HandleFileEvent(addEvent("/c", "h1"))
	tr.HandleFileEvent(addEvent("/a", "h2"))
	tr.HandleFileEvent(addEvent("/b", "h3"))

	assert.Equal(t, []string{"/a", "/b", "/c"}, tr.Paths())
}

func TestConcurrentSavesLeaveCleanSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewSnapshotStore(filepath.Join(dir, "snapshot.json"), testLogger(t))
	tr := NewTracker(store, nil, testLogger(t))

	require.True(t, tr.HandleFileEvent(addEvent("/a/f", "h1")))
	tr.ConfirmSync("/a/f")

	// The interval snapshotter and a shutdown flush can save at the same
	// moment; each save must write its own temp file.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, tr.SaveSnapshot())
		}()
	}
	wg.Wait()

	fresh := NewTracker(store, nil, testLogger(t))
	require.NoError(t, fresh.LoadSnapshot())

	st, ok := fresh.GetState("/a/f")
	require.True(t, ok)
	assert.Equal(t, "h1", st.Hash)

	// No abandoned temp files next to the snapshot.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshot.json", entries[0].Name())
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil)

	require.NoError(t, tr.LoadSnapshot())
	assert.Zero(t, tr.Len())
}

func TestLoadSnapshotCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	logger := testLogger(t)
	tr := NewTracker(NewSnapshotStore(path, logger), nil, logger)

	err := tr.LoadSnapshot()
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestLoadSnapshotUnsupportedVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "states": {}}`), 0o600))

	logger := testLogger(t)
	tr := NewTracker(NewSnapshotStore(path, logger), nil, logger)

	err := tr.LoadSnapshot()
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestRunSnapshotterFinalSave(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	logger := testLogger(t)
	tr := NewTracker(NewSnapshotStore(path, logger), nil, logger)

	require.True(t, tr.HandleFileEvent(addEvent("/a", "h1")))

	saves := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		tr.RunSnapshotter(ctx, time.Hour, func() { saves <- struct{}{} })
		close(done)
	}()

	// Cancellation must flush a final snapshot before returning.
	cancel()
	<-done

	select {
	case <-saves:
	default:
		t.Fatal("expected a final snapshot on shutdown")
	}

	_, err := os.Stat(path)
	require.NoError(t, err)
}
