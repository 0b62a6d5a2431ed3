package peerconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/organic-programming/dart-holons/internal/envelope"
)

// Role distinguishes which side of a connection an Endpoint represents,
// which in turn determines the prefix it stamps on correlation ids it
// allocates for its own outgoing requests.
type Role int

const (
	RoleClient Role = iota
	RoleBroker
)

func (r Role) idPrefix() string {
	if r == RoleBroker {
		return "s"
	}
	return "c"
}

// Handler answers one inbound request. Returning a non-nil *envelope.Error
// via errors.As is the way to control the wire-visible code and message; any
// other error is translated to a generic internal error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Conn is the minimal message-oriented transport an Endpoint needs. A
// *websocket.Conn satisfies this already; tests use an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type waiter struct {
	resultCh chan waitResult
}

type waitResult struct {
	result json.RawMessage
	err    *envelope.Error
}

// Endpoint is the per-connection Holon-RPC state machine: one reader loop
// demultiplexing inbound envelopes by shape and by id, a pending-waiter
// table for outstanding Invoke calls, and a handler table for inbound
// requests addressed to this side.
type Endpoint struct {
	id     string
	role   Role
	conn   Conn
	log    *zap.Logger
	onGone func(id string, cause error)

	counter uint64

	pendingMu sync.Mutex
	pending   map[string]*waiter

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	writeMu sync.Mutex

	closedOnce sync.Once
	closed     chan struct{}

	// Intercept, if set, is given first refusal on every inbound request
	// before the generic heartbeat/handler-table dispatch runs. Returning
	// true means the interceptor has fully handled the envelope (including
	// sending any response via RespondResult/RespondError); false falls
	// through to the generic path. The broker dispatcher uses this to layer
	// its routing pipeline on top of the endpoint's framing and correlation
	// machinery without duplicating either.
	Intercept func(ctx context.Context, env *envelope.Envelope) bool
}

// New builds an Endpoint over conn. id is the peer id this endpoint
// represents on the broker side, or the holon's own connection id on the
// client side; it is used in log lines, returned by ID, and passed to
// onGone. onGone, if non-nil, is invoked exactly once, on whichever
// goroutine first tears the connection down (Run on a read error or
// context cancellation, or the caller of Close/CloseWithCode).
func New(conn Conn, role Role, id string, log *zap.Logger, onGone func(id string, cause error)) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		id:       id,
		role:     role,
		conn:     conn,
		log:      log,
		onGone:   onGone,
		pending:  make(map[string]*waiter),
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
}

// Register installs h as the handler for method. Registering the same
// method twice replaces the previous handler.
func (e *Endpoint) Register(method string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[method] = h
}

func (e *Endpoint) handlerFor(method string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[method]
	return h, ok
}

// Invoke sends a request for method/params and blocks until a matching
// response arrives, ctx is cancelled, or the connection goes away. A
// successfully-returned handler-side failure is an *envelope.Error; callers
// that want the code should use errors.As.
func (e *Endpoint) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := e.nextID()
	req, err := envelope.NewRequest(envelope.StrPtr(id), method, params)
	if err != nil {
		return nil, err
	}

	w := &waiter{resultCh: make(chan waitResult, 1)}
	e.pendingMu.Lock()
	e.pending[id] = w
	e.pendingMu.Unlock()

	cleanup := func() {
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
	}

	if err := e.send(req); err != nil {
		cleanup()
		return nil, fmt.Errorf("peerconn: send invoke %q: %w", method, err)
	}

	select {
	case res := <-w.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		cleanup()
		return nil, envelope.NewError(envelope.CodeDeadlineExceed, "invoke deadline exceeded")
	case <-e.closed:
		cleanup()
		return nil, envelope.NewError(envelope.CodeUnavailable, "holon-rpc connection closed")
	}
}

// Notify sends a fire-and-forget request: no id, no response expected.
func (e *Endpoint) Notify(method string, params any) error {
	req, err := envelope.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return e.send(req)
}

func (e *Endpoint) nextID() string {
	n := atomic.AddUint64(&e.counter, 1)
	return e.role.idPrefix() + strconv.FormatUint(n, 10)
}

func (e *Endpoint) send(env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("peerconn: encode: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	const textMessage = 1
	return e.conn.WriteMessage(textMessage, data)
}

// Run drives the read loop until the connection fails or ctx is cancelled.
// It returns the error that ended the loop, which is nil only if ctx was
// cancelled cleanly. Run is meant to be the only reader of conn; callers
// must not call conn.ReadMessage concurrently.
func (e *Endpoint) Run(ctx context.Context) error {
	defer e.teardown(nil)

	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame)
	go func() {
		for {
			_, data, err := e.conn.ReadMessage()
			frames <- frame{data, err}
			if err != nil {
				close(frames)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.err != nil {
				e.teardown(f.err)
				return f.err
			}
			e.handleFrame(ctx, f.data)
		}
	}
}

func (e *Endpoint) handleFrame(ctx context.Context, data []byte) {
	env, ok := envelope.Decode(data)
	if !ok {
		// Decode already produced a parse/invalid-request error envelope;
		// echo it back when it's meaningful to do so (it carries no id to
		// correlate against, so this is purely diagnostic for the peer).
		_ = e.send(env)
		return
	}

	switch {
	case env.IsResponse():
		e.resolvePending(env)
	case env.IsRequest():
		e.dispatchRequest(ctx, env)
	default:
		e.log.Warn("peerconn: dropping envelope of indeterminate shape", zap.String("peer", e.id))
	}
}

func (e *Endpoint) resolvePending(env *envelope.Envelope) {
	if env.ID == nil {
		return
	}
	e.pendingMu.Lock()
	w, ok := e.pending[*env.ID]
	if ok {
		delete(e.pending, *env.ID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.log.Debug("peerconn: response for unknown or already-resolved id", zap.String("id", *env.ID))
		return
	}
	w.resultCh <- waitResult{result: env.Result, err: env.Error}
}

func (e *Endpoint) dispatchRequest(ctx context.Context, env *envelope.Envelope) {
	if e.role == RoleClient && env.ID != nil && !strings.HasPrefix(*env.ID, "s") {
		e.respondError(env.ID, envelope.NewError(envelope.CodeInvalidRequest, "server request id must start with 's'"))
		return
	}

	if e.Intercept != nil && e.Intercept(ctx, env) {
		return
	}

	if env.Method == "rpc.heartbeat" {
		e.respondResult(env.ID, map[string]any{})
		return
	}

	h, ok := e.handlerFor(env.Method)
	if !ok {
		e.respondError(env.ID, envelope.NewErrorf(envelope.CodeMethodNotFound, "method %q not found", env.Method))
		return
	}

	result, err := h(ctx, env.Params)
	if err != nil {
		var rpcErr *envelope.Error
		if errors.As(err, &rpcErr) {
			e.respondError(env.ID, rpcErr)
			return
		}
		e.respondError(env.ID, e.internalError(err))
		return
	}
	e.respondResult(env.ID, envelope.NormalizeResult(result))
}

func (e *Endpoint) internalError(err error) *envelope.Error {
	if e.role == RoleClient {
		return envelope.NewErrorf(envelope.CodeInternalPeer, "internal error: %v", err)
	}
	return envelope.NewErrorf(envelope.CodeInternalBroker, "internal error: %v", err)
}

func (e *Endpoint) respondResult(id *string, result any) {
	e.RespondResult(id, result)
}

func (e *Endpoint) respondError(id *string, errObj *envelope.Error) {
	e.RespondError(id, errObj)
}

// RespondResult sends a success response for id, or does nothing if id is
// nil (the triggering envelope was a notification). Exported so a custom
// Intercept can answer requests using the same framing the generic
// dispatch path uses.
func (e *Endpoint) RespondResult(id *string, result any) {
	if id == nil {
		return
	}
	resp, err := envelope.NewResult(id, result)
	if err != nil {
		e.RespondError(id, envelope.NewErrorf(envelope.CodeInternalBroker, "marshal result: %v", err))
		return
	}
	_ = e.send(resp)
}

// RespondError sends an error response for id, or does nothing if id is nil.
func (e *Endpoint) RespondError(id *string, errObj *envelope.Error) {
	if id == nil {
		return
	}
	_ = e.send(envelope.NewErrorResponse(id, errObj))
}

// Close tears the connection down with a normal-closure frame and fails
// every outstanding Invoke call. Safe to call more than once and from any
// goroutine.
func (e *Endpoint) Close() error {
	return e.CloseWithCode(websocket.CloseNormalClosure, "closed")
}

// CloseWithCode is Close, but with the caller's choice of WebSocket close
// code/reason, e.g. CloseGoingAway when the caller is giving up on the
// connection rather than ending it deliberately. Safe to call more than
// once and from any goroutine; only the first call's code/reason reaches
// the wire.
func (e *Endpoint) CloseWithCode(code int, reason string) error {
	e.teardown(nil)
	_ = e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return e.conn.Close()
}

func (e *Endpoint) teardown(cause error) {
	e.closedOnce.Do(func() {
		close(e.closed)
		e.pendingMu.Lock()
		pending := e.pending
		e.pending = make(map[string]*waiter)
		e.pendingMu.Unlock()
		for _, w := range pending {
			w.resultCh <- waitResult{err: envelope.NewError(envelope.CodeUnavailable, "holon-rpc connection closed")}
		}
		if e.onGone != nil {
			e.onGone(e.id, cause)
		}
	})
}

// ID returns the peer id this endpoint represents.
func (e *Endpoint) ID() string { return e.id }
