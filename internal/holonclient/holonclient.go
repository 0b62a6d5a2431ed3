package holonclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/organic-programming/dart-holons/internal/peerconn"
)

const subprotocol = "holon-rpc"

// Config carries every tunable the connect/reconnect supervisor needs.
type Config struct {
	URL string

	HeartbeatIntervalMs int
	HeartbeatTimeoutMs  int

	ReconnectMinDelayMs int
	ReconnectMaxDelayMs int
	ReconnectFactor     float64
	ReconnectJitter     float64

	ConnectTimeoutMs int
	RequestTimeoutMs int
}

// DefaultConfig returns sane defaults for url, matching this codebase's
// existing convention of small, explicit structs over a config file.
func DefaultConfig(url string) Config {
	return Config{
		URL:                 url,
		HeartbeatIntervalMs: 15_000,
		HeartbeatTimeoutMs:  5_000,
		ReconnectMinDelayMs: 500,
		ReconnectMaxDelayMs: 30_000,
		ReconnectFactor:     2.0,
		ReconnectJitter:     0.1,
		ConnectTimeoutMs:    10_000,
		RequestTimeoutMs:    30_000,
	}
}

// Client is the holon side of one Holon-RPC connection to a broker.
type Client struct {
	cfg    Config
	log    *zap.Logger
	dialer websocket.Dialer

	handlersMu sync.RWMutex
	handlers   map[string]peerconn.Handler

	mu        sync.Mutex
	ep        *peerconn.Endpoint
	gate      chan struct{}
	attempt   int
	closed    bool
	superCtx  context.Context
	superStop context.CancelFunc

	heartbeatCount int64

	wg sync.WaitGroup
}

// New builds a Client. Call Start to dial and begin supervising the
// connection.
func New(log *zap.Logger, cfg Config) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		dialer:   websocket.Dialer{Subprotocols: []string{subprotocol}},
		handlers: make(map[string]peerconn.Handler),
		gate:     make(chan struct{}),
	}
}

// Register installs h as the handler for method, on the current connection
// if one exists and on every connection established afterward.
func (c *Client) Register(method string, h peerconn.Handler) {
	c.handlersMu.Lock()
	c.handlers[method] = h
	c.handlersMu.Unlock()

	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep != nil {
		ep.Register(method, h)
	}
}

// Start dials the broker and begins the reconnect supervisor loop. It
// returns once the first connection succeeds or ctx/ConnectTimeoutMs
// expires.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.superCtx, c.superStop = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		return fmt.Errorf("holonclient: initial connect: %w", err)
	}

	c.wg.Add(1)
	go c.supervise()
	return nil
}

func (c *Client) supervise() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		ep := c.ep
		superCtx := c.superCtx
		c.mu.Unlock()
		if ep == nil {
			return
		}

		_ = ep.Run(superCtx)

		if c.isClosed() {
			return
		}
		select {
		case <-superCtx.Done():
			return
		default:
		}

		if err := c.reconnectLoop(superCtx); err != nil {
			return
		}
	}
}

func (c *Client) reconnectLoop(superCtx context.Context) error {
	for {
		if c.isClosed() {
			return fmt.Errorf("holonclient: closed")
		}
		delay := c.nextBackoff()
		select {
		case <-time.After(delay):
		case <-superCtx.Done():
			return superCtx.Err()
		}
		if err := c.connectOnce(superCtx); err != nil {
			c.log.Warn("holon-rpc reconnect attempt failed", zap.Error(err))
			continue
		}
		return nil
	}
}

func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	base := float64(c.cfg.ReconnectMinDelayMs)
	maxDelay := float64(c.cfg.ReconnectMaxDelayMs)
	d := base * math.Pow(c.cfg.ReconnectFactor, float64(attempt))
	if d > maxDelay {
		d = maxDelay
	}
	jitter := rand.Float64() * base * c.cfg.ReconnectJitter
	return time.Duration(d+jitter) * time.Millisecond
}

func (c *Client) connectOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	if conn.Subprotocol() != subprotocol {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "subprotocol \"holon-rpc\" required"))
		_ = conn.Close()
		return fmt.Errorf("broker did not negotiate %q subprotocol", subprotocol)
	}

	done := make(chan struct{})
	ep := peerconn.New(conn, peerconn.RoleClient, "broker", c.log, func(_ string, cause error) {
		select {
		case <-done:
		default:
			close(done)
		}
		c.onDisconnect(cause)
	})

	c.handlersMu.RLock()
	for method, h := range c.handlers {
		ep.Register(method, h)
	}
	c.handlersMu.RUnlock()

	c.mu.Lock()
	c.ep = ep
	c.attempt = 0
	gate := c.gate
	c.mu.Unlock()
	close(gate)

	c.startHeartbeat(ep, done)
	return nil
}

func (c *Client) onDisconnect(cause error) {
	c.mu.Lock()
	if !c.closed {
		c.gate = make(chan struct{})
	}
	c.mu.Unlock()
	if cause != nil {
		c.log.Info("holon-rpc connection lost", zap.Error(cause))
	}
}

func (c *Client) startHeartbeat(ep *peerconn.Endpoint, done chan struct{}) {
	interval := time.Duration(c.cfg.HeartbeatIntervalMs) * time.Millisecond
	timeout := time.Duration(c.cfg.HeartbeatTimeoutMs) * time.Millisecond

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				_, err := ep.Invoke(ctx, "rpc.heartbeat", map[string]any{})
				cancel()
				if err != nil {
					c.log.Warn("heartbeat failed, closing connection", zap.Error(err))
					_ = ep.CloseWithCode(websocket.CloseGoingAway, "heartbeat timeout")
					return
				}
				atomic.AddInt64(&c.heartbeatCount, 1)
			}
		}
	}()
}

// HeartbeatCount returns the number of heartbeats answered successfully
// over the lifetime of the client, across any number of reconnects.
func (c *Client) HeartbeatCount() int64 {
	return atomic.LoadInt64(&c.heartbeatCount)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) awaitConnected(ctx context.Context) (*peerconn.Endpoint, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("holonclient: closed")
	}
	gate := c.gate
	c.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(c.cfg.ConnectTimeoutMs) * time.Millisecond):
		return nil, fmt.Errorf("holonclient: timed out waiting to connect")
	}

	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	return ep, nil
}

// Invoke calls method on the broker, waiting for the connection to be
// established first (bounded by ConnectTimeoutMs) if a reconnect is in
// flight.
func (c *Client) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ep, err := c.awaitConnected(ctx)
	if err != nil {
		return nil, err
	}
	return ep.Invoke(ctx, method, params)
}

// Notify sends a fire-and-forget request to the broker.
func (c *Client) Notify(method string, params any) error {
	ep, err := c.awaitConnected(context.Background())
	if err != nil {
		return err
	}
	return ep.Notify(method, params)
}

// Close is idempotent. It stops the reconnect supervisor, closes any live
// connection (failing its pending invokes), and waits for all client
// goroutines to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ep := c.ep
	stop := c.superStop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ep != nil {
		_ = ep.Close()
	}
	c.wg.Wait()
	return nil
}
