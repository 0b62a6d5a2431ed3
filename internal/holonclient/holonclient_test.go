package holonclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/organic-programming/dart-holons/internal/peerconn"
)

// newFlakyServer answers Ping requests, and drops its first connection
// right after answering one request, so a dialed Client observes exactly
// one disconnect-and-reconnect cycle.
func newFlakyServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{subprotocol}}
	var connCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conn.Subprotocol() != subprotocol {
			conn.Close()
			return
		}
		n := atomic.AddInt32(&connCount, 1)

		ep := peerconn.New(conn, peerconn.RoleBroker, "test-server", nil, nil)
		ep.Register("Ping", func(ctx context.Context, params json.RawMessage) (any, error) {
			var in map[string]any
			_ = json.Unmarshal(params, &in)
			if n == 1 {
				go func() {
					time.Sleep(20 * time.Millisecond)
					ep.Close()
				}()
			}
			return in, nil
		})
		_ = ep.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestInvokeAfterConnect(t *testing.T) {
	url := newFlakyServer(t)
	c := New(nil, DefaultConfig(url))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })

	raw, err := c.Invoke(context.Background(), "Ping", map[string]any{"first": 1})
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, float64(1), got["first"])
}

func TestReconnectAfterServerClose(t *testing.T) {
	url := newFlakyServer(t)
	cfg := DefaultConfig(url)
	cfg.ReconnectMinDelayMs = 20
	cfg.ReconnectMaxDelayMs = 200
	cfg.HeartbeatIntervalMs = 100_000 // keep the heartbeat out of this test's way

	c := New(nil, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })

	raw, err := c.Invoke(context.Background(), "Ping", map[string]any{"first": 1})
	require.NoError(t, err)
	var first map[string]any
	require.NoError(t, json.Unmarshal(raw, &first))
	require.Equal(t, float64(1), first["first"])

	// The server closes the first connection ~20ms after answering. Give
	// the client time to notice, back off, and redial before trying again.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := c.Invoke(ctx, "Ping", map[string]any{"second": 2})
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestCloseIsIdempotentAndFailsFuturesInvokes(t *testing.T) {
	url := newFlakyServer(t)
	c := New(nil, DefaultConfig(url))
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Invoke(context.Background(), "Ping", nil)
	require.Error(t, err)
}
