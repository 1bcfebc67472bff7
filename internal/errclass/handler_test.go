package errclass

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonthemediocre/deltasync/internal/events"
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

func newTestHandler(t *testing.T) (*Handler, *events.Subscription) {
	t.Helper()

	bus := events.NewBus(testLogger(t))
	sub := bus.Subscribe(64)
	t.Cleanup(sub.Close)

	return NewHandler(bus, testLogger(t)), sub
}

// drain collects every event currently queued on the subscription.
func drain(sub *events.Subscription) []events.Event {
	var out []events.Event

	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{
			name: "disk full is critical and needs a human",
			err:  errors.New("write /dst/f: ENOSPC device out of space"),
			want: Classification{SeverityCritical, CategoryFilesystem, false, true},
		},
		{
			name: "missing file is recoverable",
			err:  errors.New("open /src/f: ENOENT"),
			want: Classification{SeverityHigh, CategoryFilesystem, true, false},
		},
		{
			name: "typed not-exist sentinel",
			err:  fmt.Errorf("stat: %w", fs.ErrNotExist),
			want: Classification{SeverityHigh, CategoryFilesystem, true, false},
		},
		{
			name: "typed permission sentinel",
			err:  fmt.Errorf("open: %w", fs.ErrPermission),
			want: Classification{SeverityHigh, CategorySecurity, false, true},
		},
		{
			name: "permission denied text",
			err:  errors.New("copy failed: Permission Denied"),
			want: Classification{SeverityHigh, CategorySecurity, false, true},
		},
		{
			name: "network timeout",
			err:  errors.New("dial tcp: i/o timeout"),
			want: Classification{SeverityMedium, CategoryNetwork, true, false},
		},
		{
			name: "connection refused",
			err:  errors.New("dial tcp 10.0.0.1:443: connection refused"),
			want: Classification{SeverityMedium, CategoryNetwork, true, false},
		},
		{
			name: "hash mismatch is a sync error",
			err:  errors.New("verify: hash mismatch after copy"),
			want: Classification{SeverityHigh, CategorySync, true, false},
		},
		{
			name: "conflict is a sync error",
			err:  errors.New("both endpoints changed: conflict"),
			want: Classification{SeverityMedium, CategorySync, true, false},
		},
		{
			name: "unmatched error falls back to unknown",
			err:  errors.New("something odd happened"),
			want: Classification{SeverityMedium, CategoryUnknown, false, false},
		},
		{
			name: "lowercase errno prose does not match uppercase signature",
			err:  errors.New("user typed enospc into a filename"),
			want: Classification{SeverityMedium, CategoryUnknown, false, false},
		},
		{
			name: "nil error",
			err:  nil,
			want: Classification{SeverityMedium, CategoryUnknown, false, false},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHandleErrorStoresAndEmits(t *testing.T) {
	t.Parallel()

	h, sub := newTestHandler(t)

	ce := h.HandleError("watcher", "/src/f", errors.New("open /src/f: ENOENT"))

	require.NotEmpty(t, ce.ID)
	assert.Equal(t, "watcher", ce.Component)
	assert.Equal(t, "/src/f", ce.Path)
	assert.Equal(t, CategoryFilesystem, ce.Classification.Category)
	assert.False(t, ce.OccurredAt.IsZero())

	got, ok := h.GetError(ce.ID)
	require.True(t, ok)
	assert.Equal(t, ce.ID, got.ID)

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeErrorHandled, evs[0].Type)
	assert.Equal(t, "/src/f", evs[0].Path)
}

func TestHandleErrorHumanIntervention(t *testing.T) {
	t.Parallel()

	h, sub := newTestHandler(t)

	h.HandleError("engine", "/dst/f", errors.New("write /dst/f: ENOSPC"))

	evs := drain(sub)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeErrorHandled, evs[0].Type)
	assert.Equal(t, events.TypeHumanIntervention, evs[1].Type)
}

func TestHandleErrorPassThrough(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	pre := &ClassifiedError{
		Message: "engineered failure",
		Classification: Classification{
			Severity:    SeverityLow,
			Category:    CategorySync,
			Recoverable: true,
		},
	}

	ce := h.HandleError("engine", "/src/f", fmt.Errorf("wrapped: %w", pre))

	// The original classification survives; missing fields are filled.
	assert.Equal(t, SeverityLow, ce.Classification.Severity)
	assert.Equal(t, CategorySync, ce.Classification.Category)
	assert.Equal(t, "engine", ce.Component)
	assert.Equal(t, "/src/f", ce.Path)
	assert.NotEmpty(t, ce.ID)
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	base := fs.ErrNotExist
	ce := h.HandleError("engine", "/f", fmt.Errorf("stat: %w", base))

	assert.ErrorIs(t, ce, fs.ErrNotExist)
}

func TestListingsAndStats(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	h.HandleError("a", "/1", errors.New("ENOENT"))
	h.HandleError("b", "/2", errors.New("connection refused"))
	h.HandleError("c", "/3", errors.New("ENOSPC"))
	h.HandleError("d", "/4", errors.New("mystery"))

	all := h.ListErrors()
	require.Len(t, all, 4)
	assert.Equal(t, "/1", all[0].Path)
	assert.Equal(t, "/4", all[3].Path)

	fsErrs := h.GetErrorsByCategory(CategoryFilesystem)
	require.Len(t, fsErrs, 2)

	high := h.GetErrorsBySeverity(SeverityHigh)
	require.Len(t, high, 1)
	assert.Equal(t, "/1", high[0].Path)

	stats := h.GetStats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByCategory[CategoryFilesystem])
	assert.Equal(t, 1, stats.ByCategory[CategoryNetwork])
	assert.Equal(t, 1, stats.ByCategory[CategoryUnknown])
	assert.Equal(t, 2, stats.Recoverable)
	assert.Equal(t, 1, stats.HumanIntervention)
}

func TestClearErrors(t *testing.T) {
	t.Parallel()

	h, sub := newTestHandler(t)

	h.HandleError("a", "/1", errors.New("ENOENT"))
	h.HandleError("b", "/2", errors.New("ENOENT"))
	drain(sub)

	h.ClearErrors()

	assert.Empty(t, h.ListErrors())
	assert.Zero(t, h.GetStats().Total)

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeErrorsCleared, evs[0].Type)
	assert.Equal(t, 2, evs[0].Payload)
}

func TestRetryRecoverableErrors(t *testing.T) {
	t.Parallel()

	h, sub := newTestHandler(t)

	h.HandleError("a", "/1", errors.New("ENOENT"))             // recoverable
	h.HandleError("b", "/2", errors.New("ENOSPC"))             // not recoverable
	h.HandleError("c", "/3", errors.New("connection refused")) // recoverable
	drain(sub)

	retried := h.RetryRecoverableErrors()
	require.Len(t, retried, 2)

	// Ordered by occurrence time.
	assert.Equal(t, "/1", retried[0].Path)
	assert.Equal(t, "/3", retried[1].Path)

	evs := drain(sub)
	require.Len(t, evs, 2)

	for _, ev := range evs {
		assert.Equal(t, events.TypeRetryError, ev.Type)
	}

	// The registry still holds everything; retry does not clear.
	assert.Equal(t, 3, h.GetStats().Total)
}
