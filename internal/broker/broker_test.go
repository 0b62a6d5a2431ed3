package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/organic-programming/dart-holons/internal/peerconn"
)

// testPeer is a thin wrapper around a dialed connection used only by these
// tests, so each scenario can register handlers and invoke methods without
// reaching into the broker's internals.
type testPeer struct {
	ep *peerconn.Endpoint
	id string
}

func dialTestPeer(t *testing.T, wsURL string, name string) *testPeer {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol}}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)

	ep := peerconn.New(conn, peerconn.RoleClient, "test-peer", nil, nil)
	go ep.Run(context.Background())

	tp := &testPeer{ep: ep}
	if name != "" {
		raw, err := ep.Invoke(context.Background(), "rpc.register", map[string]any{"name": name})
		require.NoError(t, err)
		var res struct {
			Peer string `json:"peer"`
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(raw, &res))
		tp.id = res.Peer
	}
	return tp
}

func (tp *testPeer) echoHandler(selfName string) peerconn.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]any
		_ = json.Unmarshal(params, &in)
		in["from"] = selfName
		return in, nil
	}
}

func newTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	b := New(nil, DefaultConfig())
	srv := httptest.NewServer(http.HandlerFunc(b.HandleUpgrade))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return b, wsURL
}

func TestEchoRoundTrip(t *testing.T) {
	_, wsURL := newTestBroker(t)

	a := dialTestPeer(t, wsURL, "caller")
	a.ep.Register("Echo/Ping", a.echoHandler("A"))
	b := dialTestPeer(t, wsURL, "")

	raw, err := b.ep.Invoke(context.Background(), "caller.Echo/Ping", map[string]any{"message": "hi"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "A", got["from"])
	require.Equal(t, "hi", got["message"])
}

func TestDispatchByName(t *testing.T) {
	_, wsURL := newTestBroker(t)

	requests := make(chan map[string]any, 4)
	compute := dialTestPeer(t, wsURL, "compute")
	compute.ep.Register("Echo/Ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]any
		_ = json.Unmarshal(params, &in)
		requests <- in
		in["from"] = "B"
		return in, nil
	})
	storage := dialTestPeer(t, wsURL, "storage")
	storage.ep.Register("Echo/Ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		requests <- map[string]any{"unexpected": true}
		return map[string]any{}, nil
	})
	caller := dialTestPeer(t, wsURL, "")

	raw, err := caller.ep.Invoke(context.Background(), "compute.Echo/Ping", map[string]any{"message": "x"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "B", got["from"])

	select {
	case observed := <-requests:
		_, hasRouting := observed["_routing"]
		_, hasPeer := observed["_peer"]
		require.False(t, hasRouting)
		require.False(t, hasPeer)
	case <-time.After(time.Second):
		t.Fatal("compute never observed the request")
	}

	select {
	case <-requests:
		t.Fatal("storage should never have received the request")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFanOut(t *testing.T) {
	_, wsURL := newTestBroker(t)

	b1 := dialTestPeer(t, wsURL, "b")
	b1.ep.Register("Echo/Ping", b1.echoHandler("B"))
	c1 := dialTestPeer(t, wsURL, "c")
	c1.ep.Register("Echo/Ping", c1.echoHandler("C"))
	d1 := dialTestPeer(t, wsURL, "d")
	d1.ep.Register("Echo/Ping", d1.echoHandler("D"))
	a := dialTestPeer(t, wsURL, "a")

	raw, err := a.ep.Invoke(context.Background(), "*.Echo/Ping", map[string]any{"message": "f"})
	require.NoError(t, err)

	var wrapped struct {
		Value []struct {
			Peer   string         `json:"peer"`
			Result map[string]any `json:"result"`
		} `json:"value"`
	}
	require.NoError(t, json.Unmarshal(raw, &wrapped))
	require.Len(t, wrapped.Value, 3)

	peers := map[string]bool{}
	for _, entry := range wrapped.Value {
		peers[entry.Peer] = true
		require.NotEmpty(t, entry.Result)
	}
	require.Len(t, peers, 3)
	require.True(t, peers[b1.id] && peers[c1.id] && peers[d1.id])
}

func TestBroadcastResponse(t *testing.T) {
	_, wsURL := newTestBroker(t)

	notifications := make(chan map[string]any, 8)
	listen := func(tp *testPeer) {
		tp.ep.Register("Echo/Ping", func(ctx context.Context, params json.RawMessage) (any, error) {
			var in map[string]any
			_ = json.Unmarshal(params, &in)
			notifications <- in
			return nil, nil
		})
	}

	b := dialTestPeer(t, wsURL, "b")
	listen(b)
	c := dialTestPeer(t, wsURL, "storage")
	c.ep.Register("Echo/Ping", c.echoHandler("C"))
	d := dialTestPeer(t, wsURL, "d")
	listen(d)
	a := dialTestPeer(t, wsURL, "")

	raw, err := a.ep.Invoke(context.Background(), "storage.Echo/Ping", map[string]any{"_routing": "broadcast-response", "message": "m"})
	require.NoError(t, err)

	var direct map[string]any
	require.NoError(t, json.Unmarshal(raw, &direct))
	require.Equal(t, "C", direct["from"])

	seen := 0
	timeout := time.After(time.Second)
	for seen < 2 {
		select {
		case n := <-notifications:
			require.Equal(t, c.id, n["peer"])
			seen++
		case <-timeout:
			t.Fatalf("only saw %d broadcast-response notifications", seen)
		}
	}
}

func TestFullBroadcast(t *testing.T) {
	_, wsURL := newTestBroker(t)

	notifications := make(chan map[string]any, 16)
	listen := func(tp *testPeer, self string) {
		tp.ep.Register("Echo/Ping", func(ctx context.Context, params json.RawMessage) (any, error) {
			var in map[string]any
			_ = json.Unmarshal(params, &in)
			notifications <- map[string]any{"observer": self, "payload": in}
			in["from"] = self
			return in, nil
		})
	}

	b := dialTestPeer(t, wsURL, "b")
	listen(b, "B")
	c := dialTestPeer(t, wsURL, "c")
	listen(c, "C")
	d := dialTestPeer(t, wsURL, "d")
	listen(d, "D")
	a := dialTestPeer(t, wsURL, "")

	_, err := a.ep.Invoke(context.Background(), "*.Echo/Ping", map[string]any{"_routing": "full-broadcast", "message": "m"})
	require.NoError(t, err)

	// Each of B, C, D answers the fan-out call once (the echo handler call
	// itself shows up in `notifications`), plus receives exactly two
	// broadcast notifications about its peers' results: 3 targets * 3
	// messages each (1 call + 2 notifications) = 9 total deliveries.
	got := 0
	timeout := time.After(2 * time.Second)
	for got < 9 {
		select {
		case <-notifications:
			got++
		case <-timeout:
			t.Fatalf("only observed %d of 9 expected deliveries", got)
		}
	}
}
