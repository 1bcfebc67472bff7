package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
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

func startServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()

	bus := events.NewBus(testLogger(t))
	srv := NewServer("127.0.0.1:0", bus, testLogger(t))
	require.NoError(t, srv.Start())

	return srv, bus
}

// waitForClients polls the health endpoint until the server reports
// the expected number of connected clients.
func waitForClients(t *testing.T, srv *Server, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var body struct {
			Status  string `json:"status"`
			Clients int    `json:"clients"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}

		return body.Status == "ok" && body.Clients == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t)

	assert.NotEmpty(t, srv.Addr())
	waitForClients(t, srv, 0)

	require.NoError(t, srv.Stop())
}

func TestServerBroadcastsBusEvents(t *testing.T) {
	t.Parallel()

	srv, bus := startServer(t)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, srv, 1)

	bus.Emit(events.TypeSyncComplete, "/src/app/main.go", nil)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, events.TypeSyncComplete, ev.Type)
	assert.Equal(t, "/src/app/main.go", ev.Path)
	assert.False(t, ev.Time.IsZero())
}

func TestServerBroadcastsToAllClients(t *testing.T) {
	t.Parallel()

	srv, bus := startServer(t)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")
		conns[i] = conn
	}

	waitForClients(t, srv, 3)

	bus.Emit(events.TypeFileEvent, "/src/shared.txt", nil)

	for i, conn := range conns {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "client %d", i)

		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, "/src/shared.txt", ev.Path)
	}
}

func TestServerStopClosesClients(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, srv, 1)
	require.NoError(t, srv.Stop())

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
}
