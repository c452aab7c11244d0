package rpcconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// testServer 是一个最小 JSON-RPC websocket 服务端。
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepts  atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.accepts.Add(1)
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.mu.Unlock()
	for {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Method {
		case "echo":
			_ = ts.write(conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Params})
		case "fail":
			_ = ts.write(conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": 5000, "message": "User rejected."}})
		case "notify":
			_ = ts.write(conn, map[string]any{"jsonrpc": "2.0", "method": "session_event", "params": req.Params})
			_ = ts.write(conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
		case "hang":
		}
	}
}

func (ts *testServer) write(conn *websocket.Conn, v any) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return conn.WriteJSON(v)
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.conns = nil
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.RequestTimeout = time.Second
	cfg.Backoff = BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	return cfg
}

func TestCallRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	conn, err := Dial(context.Background(), testConfig(ts.url()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var out map[string]string
	require.NoError(t, conn.Call(context.Background(), "echo", map[string]string{"hello": "relay"}, &out))
	require.Equal(t, "relay", out["hello"])
	require.Equal(t, HealthConnected, conn.Health())
}

func TestCallReturnsRemoteError(t *testing.T) {
	ts := newTestServer(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	conn, err := Dial(context.Background(), testConfig(ts.url()), WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	err = conn.Call(context.Background(), "fail", nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, 5000, rpcErr.Code)
	require.Equal(t, "User rejected.", rpcErr.Message)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.callErrors.WithLabelValues("rpc", "fail")))
}

func TestCallHonoursContextDeadline(t *testing.T) {
	ts := newTestServer(t)
	conn, err := Dial(context.Background(), testConfig(ts.url()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = conn.Call(ctx, "hang", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotificationsAreDispatched(t *testing.T) {
	ts := newTestServer(t)
	conn, err := Dial(context.Background(), testConfig(ts.url()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	got := make(chan string, 1)
	conn.OnNotification("session_event", func(params json.RawMessage) {
		var topic string
		_ = json.Unmarshal(params, &topic)
		got <- topic
	})
	require.NoError(t, conn.Call(context.Background(), "notify", "topic-1", nil))
	select {
	case topic := <-got:
		require.Equal(t, "topic-1", topic)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	conn, err := Dial(context.Background(), testConfig(ts.url()), WithMetrics(metrics), WithLabel("relay"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	reconnected := make(chan struct{}, 1)
	conn.OnReconnect(func() { reconnected <- struct{}{} })

	ts.dropAll()
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not restored")
	}
	require.Equal(t, int32(2), ts.accepts.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.reconnects.WithLabelValues("relay")))

	var out string
	require.NoError(t, conn.Call(context.Background(), "echo", "again", &out))
	require.Equal(t, "again", out)
}

func TestCloseFailsFurtherCalls(t *testing.T) {
	ts := newTestServer(t)
	conn, err := Dial(context.Background(), testConfig(ts.url()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Call(context.Background(), "echo", nil, nil), ErrClosed)
	require.Equal(t, HealthClosed, conn.Health())
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.Error(t, err)
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 80 * time.Millisecond, Jitter: 0.5})
	for i := 0; i < 20; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 80*time.Millisecond)
	}
	require.Equal(t, 16, b.Attempts())
	b.Reset()
	require.Equal(t, 0, b.Attempts())
}
