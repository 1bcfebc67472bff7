package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonthemediocre/deltasync/internal/delta"
	"github.com/jonthemediocre/deltasync/internal/errclass"
	"github.com/jonthemediocre/deltasync/internal/events"
	"github.com/jonthemediocre/deltasync/internal/mlmodel"
	"github.com/jonthemediocre/deltasync/internal/registry"
	"github.com/jonthemediocre/deltasync/internal/watcher"
)

const (
	testDebounce = 50 * time.Millisecond
	testWait     = 5 * time.Second
	testTick     = 20 * time.Millisecond
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

// testEnv wires a full engine against temp directories.
type testEnv struct {
	eng     *Engine
	tracker *delta.Tracker
	ledger  *Ledger
	errors  *errclass.Handler
	bus     *events.Bus
	source  string
	dest    string
	cancel  context.CancelFunc
}

// newTestComponents builds everything except the watcher against a
// single source -> dest rule.
func newTestComponents(t *testing.T, source, dest string) *testEnv {
	t.Helper()

	logger := testLogger(t)

	doc := fmt.Sprintf(`
version: "1.0.0"
projectId: 3f8a2d61-5b0c-4e7f-9a12-8c6d4e2b1a90
syncStrategy: adaptive
conflictResolution: source-wins
paths:
  - source: %s
    destination: %s
    excludePatterns: ["*.tmp"]
advanced:
  maxConcurrentSyncs: 2
  queueSize: 64
`, source, dest)

	regPath := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(doc), 0o644))

	reg, err := registry.Load(regPath, logger)
	require.NoError(t, err)

	ledger, err := NewLedger(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	bus := events.NewBus(logger)
	handler := errclass.NewHandler(bus, logger)
	model := mlmodel.New(bus, logger)

	store := delta.NewSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json"), logger)
	tracker := delta.NewTracker(store, ledger, logger)

	return &testEnv{
		eng: New(&Config{
			Registry: reg,
			Delta:    tracker,
			Model:    model,
			Errors:   handler,
			Bus:      bus,
			Ledger:   ledger,
			Identity: Identity{User: "alice"},
			Logger:   logger,
		}),
		tracker: tracker,
		ledger:  ledger,
		errors:  handler,
		bus:     bus,
		source:  source,
		dest:    dest,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := newTestComponents(t, t.TempDir(), t.TempDir())

	w, err := watcher.New(testDebounce, 64, testLogger(t))
	require.NoError(t, err)

	env.eng.watch = w

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	require.NoError(t, env.eng.Initialize(ctx))

	t.Cleanup(func() {
		cancel()
		require.NoError(t, env.eng.Shutdown())
	})

	return env
}

// waitForContent polls until the destination file holds the expected
// bytes.
func waitForContent(t *testing.T, path string, want []byte) {
	t.Helper()

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(path)
		return err == nil && string(got) == string(want)
	}, testWait, testTick, "destination never converged: %s", path)
}

func TestEngineSyncsNewFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	content := []byte("first version\n")
	srcFile := filepath.Join(env.source, "a.txt")
	require.NoError(t, os.WriteFile(srcFile, content, 0o644))

	waitForContent(t, filepath.Join(env.dest, "a.txt"), content)

	require.Eventually(t, func() bool {
		st, ok := env.tracker.GetState(srcFile)
		return ok && st.SyncStatus == delta.StatusSynced
	}, testWait, testTick)

	require.Eventually(t, func() bool {
		syncs, err := env.ledger.ListSyncs(context.Background(), 0)
		return err == nil && len(syncs) == 1
	}, testWait, testTick)

	syncs, err := env.ledger.ListSyncs(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, srcFile, syncs[0].Path)
	assert.Equal(t, int64(len(content)), syncs[0].BytesCopied)
	assert.NotEmpty(t, syncs[0].ID)
}

func TestEngineSyncsModification(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	srcFile := filepath.Join(env.source, "doc.md")
	destFile := filepath.Join(env.dest, "doc.md")

	require.NoError(t, os.WriteFile(srcFile, []byte("v1"), 0o644))
	waitForContent(t, destFile, []byte("v1"))

	require.NoError(t, os.WriteFile(srcFile, []byte("v2 with more bytes"), 0o644))
	waitForContent(t, destFile, []byte("v2 with more bytes"))

	require.Eventually(t, func() bool {
		syncs, err := env.ledger.ListSyncs(context.Background(), 0)
		return err == nil && len(syncs) == 2
	}, testWait, testTick)
}

func TestEngineRemovesUnlinkedFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	srcFile := filepath.Join(env.source, "gone.txt")
	destFile := filepath.Join(env.dest, "gone.txt")

	require.NoError(t, os.WriteFile(srcFile, []byte("short-lived"), 0o644))
	waitForContent(t, destFile, []byte("short-lived"))

	require.NoError(t, os.Remove(srcFile))

	require.Eventually(t, func() bool {
		_, err := os.Stat(destFile)
		return os.IsNotExist(err)
	}, testWait, testTick)

	require.Eventually(t, func() bool {
		_, tracked := env.tracker.GetState(srcFile)
		return !tracked
	}, testWait, testTick)
}

func TestEngineSkipsExcludedPaths(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	// A companion file proves the pipeline is live before we assert the
	// excluded one never arrived.
	require.NoError(t, os.WriteFile(filepath.Join(env.source, "kept.txt"), []byte("kept"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.source, "scratch.tmp"), []byte("scratch"), 0o644))

	waitForContent(t, filepath.Join(env.dest, "kept.txt"), []byte("kept"))

	time.Sleep(4 * testDebounce)

	_, err := os.Stat(filepath.Join(env.dest, "scratch.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngineRetryRecoverableErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	srcFile := filepath.Join(env.source, "retry.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("retry me"), 0o644))
	waitForContent(t, filepath.Join(env.dest, "retry.txt"), []byte("retry me"))

	ce := env.errors.HandleError("sync_engine", srcFile, errors.New("dial tcp: connection refused"))
	env.eng.freeze(srcFile, ce.ID)
	require.Equal(t, []string{srcFile}, env.eng.FrozenPaths())

	retried := env.eng.RetryRecoverableErrors(context.Background())

	assert.Equal(t, 1, retried)
	assert.Empty(t, env.eng.FrozenPaths())
}

func TestEngineClearErrorsUnfreezesPaths(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	ce := env.errors.HandleError("sync_engine", "/frozen/a", errors.New("no space left on device"))
	env.eng.freeze("/frozen/a", ce.ID)
	env.eng.freeze("/frozen/b", "other-id")

	require.Len(t, env.eng.FrozenPaths(), 2)

	assert.Equal(t, 2, env.eng.ClearErrors())
	assert.Empty(t, env.eng.FrozenPaths())
	assert.Empty(t, env.errors.ListErrors())
}

// failingEvent prepares a tracked pending event whose propagation has
// not happened, for driving handleFailure directly.
func failingEvent(t *testing.T, env *testEnv, name string) watcher.FileEvent {
	t.Helper()

	srcFile := filepath.Join(env.source, name)
	require.NoError(t, os.WriteFile(srcFile, []byte("payload"), 0o644))

	hash, err := watcher.HashFile(srcFile)
	require.NoError(t, err)

	ev := watcher.FileEvent{Type: watcher.EventAdd, Path: srcFile, Hash: hash, Timestamp: time.Now()}
	require.True(t, env.tracker.HandleFileEvent(ev))

	return ev
}

func TestEngineRecoveryWithoutRepairLeavesPathPending(t *testing.T) {
	t.Parallel()

	env := newTestComponents(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	// One-shot pass over the empty trees resolves policy and the queue.
	_, err := env.eng.SyncOnce(ctx)
	require.NoError(t, err)

	ev := failingEvent(t, env, "report.txt")

	env.eng.handleFailure(ctx, ev, errors.New("dial tcp 10.0.0.1:443: connect: connection refused"))

	// The default plan's repair step defers without a confident
	// prediction, so nothing reached the destination. The path must stay
	// pending, not be confirmed as synced.
	st, ok := env.tracker.GetState(ev.Path)
	require.True(t, ok)
	assert.Equal(t, delta.StatusPending, st.SyncStatus)

	_, statErr := os.Stat(filepath.Join(env.dest, "report.txt"))
	assert.True(t, os.IsNotExist(statErr))

	assert.Empty(t, env.eng.FrozenPaths())
	assert.Len(t, env.eng.queue, 1, "deferred event should be requeued")
}

func TestEngineRepeatedDeferredRecoveriesFreezePath(t *testing.T) {
	t.Parallel()

	env := newTestComponents(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	_, err := env.eng.SyncOnce(ctx)
	require.NoError(t, err)

	ev := failingEvent(t, env, "stubborn.txt")

	for i := 0; i < maxRecoveryAttempts; i++ {
		env.eng.handleFailure(ctx, ev, errors.New("dial tcp 10.0.0.1:443: connect: connection refused"))
	}

	assert.Equal(t, []string{ev.Path}, env.eng.FrozenPaths())

	st, ok := env.tracker.GetState(ev.Path)
	require.True(t, ok)
	assert.Equal(t, delta.StatusPending, st.SyncStatus)
}

func TestEngineEmitsSyncCompleteEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	sub := env.bus.Subscribe(16, events.TypeSyncComplete)
	defer sub.Close()

	srcFile := filepath.Join(env.source, "observed.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("observed"), 0o644))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, events.TypeSyncComplete, ev.Type)
		assert.Equal(t, srcFile, ev.Path)

		rec, ok := ev.Payload.(SyncRecord)
		require.True(t, ok)
		assert.Equal(t, int64(len("observed")), rec.BytesCopied)
	case <-time.After(testWait):
		t.Fatal("no sync_complete event")
	}
}

func TestEngineInitialScanConvergesExistingFiles(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()

	// Files created before the daemon starts never produce watcher
	// events; only the startup scan can converge them.
	require.NoError(t, os.MkdirAll(filepath.Join(source, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "old.txt"), []byte("existed before"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "nested", "deep.txt"), []byte("deep"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "skip.tmp"), []byte("excluded"), 0o644))

	env := newTestComponents(t, source, dest)

	w, err := watcher.New(testDebounce, 64, testLogger(t))
	require.NoError(t, err)
	env.eng.watch = w

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, env.eng.Initialize(ctx))
	t.Cleanup(func() {
		cancel()
		require.NoError(t, env.eng.Shutdown())
	})

	waitForContent(t, filepath.Join(dest, "old.txt"), []byte("existed before"))
	waitForContent(t, filepath.Join(dest, "nested", "deep.txt"), []byte("deep"))

	_, err = os.Stat(filepath.Join(dest, "skip.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngineSyncOnce(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(source, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "b.txt"), []byte("beta"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "c.tmp"), []byte("excluded"), 0o644))

	env := newTestComponents(t, source, dest)

	processed, err := env.eng.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))

	_, err = os.Stat(filepath.Join(dest, "c.tmp"))
	assert.True(t, os.IsNotExist(err))

	// A second pass finds nothing out of date.
	processed, err = env.eng.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestEngineSyncOnceRemovesVanishedPaths(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	dest := t.TempDir()

	gone := filepath.Join(source, "gone.txt")
	require.NoError(t, os.WriteFile(gone, []byte("here for now"), 0o644))

	env := newTestComponents(t, source, dest)

	_, err := env.eng.SyncOnce(context.Background())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dest, "gone.txt"))

	require.NoError(t, os.Remove(gone))

	processed, err := env.eng.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	_, err = os.Stat(filepath.Join(dest, "gone.txt"))
	assert.True(t, os.IsNotExist(err))

	_, tracked := env.tracker.GetState(gone)
	assert.False(t, tracked)
}

func TestEngineGetMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	srcFile := filepath.Join(env.source, "metric.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("metric"), 0o644))
	waitForContent(t, filepath.Join(env.dest, "metric.txt"), []byte("metric"))

	require.Eventually(t, func() bool {
		m, err := env.eng.GetMetrics(context.Background())
		return err == nil && len(m.Syncs) == 1
	}, testWait, testTick)

	m, err := env.eng.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srcFile, m.Syncs[0].Path)
	assert.NotZero(t, m.Counters["events_seen"])
	assert.NotZero(t, m.Counters["real_changes"])
}
