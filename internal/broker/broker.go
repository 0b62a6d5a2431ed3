package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/organic-programming/dart-holons/internal/envelope"
	"github.com/organic-programming/dart-holons/internal/peerconn"
	"github.com/organic-programming/dart-holons/internal/registry"
)

// subprotocol is the only WebSocket subprotocol the broker accepts.
const subprotocol = "holon-rpc"

// Config carries the broker's tunables. Process-level concerns (listen
// address, TLS) stay in cmd/broker; Config only covers what the Broker
// type itself needs to know.
type Config struct {
	// Path is informational only — the broker answers HandleUpgrade on
	// whatever path the caller mounts it at; Path is surfaced for logging
	// and for callers building their own mux.
	Path string

	// WaitQueueSize bounds how many not-yet-consumed WaitForClient
	// notifications are buffered before new connect events are dropped.
	WaitQueueSize int
}

// DefaultConfig returns a Config with the wire-contract defaults from the
// external-interfaces section: path "/rpc", a generously sized connect
// queue.
func DefaultConfig() Config {
	return Config{Path: "/rpc", WaitQueueSize: 256}
}

// Broker accepts WebSocket connections, assigns each a peer id, and routes
// requests between them per the dispatch pipeline in dispatch.go.
type Broker struct {
	log      *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
	reg      *registry.Registry

	mu    sync.RWMutex
	peers map[string]*peerconn.Endpoint

	handlersMu sync.RWMutex
	handlers   map[string]peerconn.Handler

	counter uint64

	connectedIDs chan string

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a Broker. log may be nil, in which case logging is a no-op.
func New(log *zap.Logger, cfg Config) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WaitQueueSize <= 0 {
		cfg.WaitQueueSize = 256
	}
	return &Broker{
		log: log,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{subprotocol},
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		reg:          registry.New(),
		peers:        make(map[string]*peerconn.Endpoint),
		handlers:     make(map[string]peerconn.Handler),
		connectedIDs: make(chan string, cfg.WaitQueueSize),
		closing:      make(chan struct{}),
	}
}

// Register installs a broker-local handler, consulted at the tail of the
// dispatch pipeline for methods that are neither reserved nor routed to
// another peer (see dispatch.go step 9).
func (b *Broker) Register(method string, h peerconn.Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[method] = h
}

func (b *Broker) localHandler(method string) (peerconn.Handler, bool) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	h, ok := b.handlers[method]
	return h, ok
}

// HandleUpgrade is an http.HandlerFunc that negotiates the holon-rpc
// subprotocol, assigns a peer id, and runs that peer's endpoint until the
// connection ends.
func (b *Broker) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if conn.Subprotocol() != subprotocol {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "subprotocol \"holon-rpc\" required"))
		_ = conn.Close()
		return
	}

	id := "c" + strconv.FormatUint(atomic.AddUint64(&b.counter, 1), 10)
	traceID := uuid.NewString()
	connLog := b.log.With(zap.String("peer", id), zap.String("trace_id", traceID))
	ctx, cancel := context.WithCancel(context.Background())

	ep := peerconn.New(conn, peerconn.RoleBroker, id, connLog, func(peerID string, cause error) {
		b.reg.Deregister(peerID)
		b.mu.Lock()
		delete(b.peers, peerID)
		b.mu.Unlock()
		cancel()
		if cause != nil {
			connLog.Info("peer disconnected", zap.Error(cause))
		} else {
			connLog.Info("peer disconnected")
		}
	})
	ep.Intercept = func(ictx context.Context, env *envelope.Envelope) bool {
		return b.dispatch(ictx, id, ep, env)
	}

	b.mu.Lock()
	b.peers[id] = ep
	b.mu.Unlock()

	select {
	case b.connectedIDs <- id:
	default:
		b.log.Warn("waitForClient queue full, dropping connect notification", zap.String("peer", id))
	}

	go func() {
		select {
		case <-b.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := ep.Run(ctx); err != nil {
			connLog.Debug("peer connection ended", zap.Error(err))
		}
	}()
}

// WaitForClient blocks until a peer connects and returns its id, in FIFO
// connection order, or until ctx is done, or until the broker is closed.
func (b *Broker) WaitForClient(ctx context.Context) (string, error) {
	select {
	case id := <-b.connectedIDs:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.closing:
		return "", errors.New("broker: closed")
	}
}

// Snapshot is a point-in-time diagnostic view of connected peers and the
// holon names currently registered against them.
type Snapshot struct {
	Peers []string            `json:"peers"`
	Names map[string][]string `json:"names"`
}

// Snapshot returns the current peer set and name registrations. It takes
// no locks beyond what reading the peer table and registry require, so it
// is safe to call concurrently with dispatch.
func (b *Broker) Snapshot() Snapshot {
	b.mu.RLock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	slices.Sort(ids)

	names := make(map[string][]string)
	for _, id := range ids {
		if name, ok := b.reg.NameOf(id); ok {
			names[name] = append(names[name], id)
		}
	}
	return Snapshot{Peers: ids, Names: names}
}

// Close stops accepting new traffic, closes every connected peer (failing
// their pending invokes), and waits for all peer run-loops to exit or for
// ctx to expire, whichever comes first. Safe to call more than once.
func (b *Broker) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		close(b.closing)

		b.mu.RLock()
		peers := make([]*peerconn.Endpoint, 0, len(b.peers))
		for _, ep := range b.peers {
			peers = append(peers, ep)
		}
		b.mu.RUnlock()

		for _, ep := range peers {
			_ = ep.Close()
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			closeErr = ctx.Err()
		}
	})
	return closeErr
}

func (b *Broker) peerEndpoint(id string) (*peerconn.Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.peers[id]
	return ep, ok
}

// connectedExcept returns a snapshot of currently connected peer ids, not
// including excludeID.
func (b *Broker) connectedExcept(excludeID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.peers))
	for id := range b.peers {
		if id != excludeID {
			out = append(out, id)
		}
	}
	return out
}
