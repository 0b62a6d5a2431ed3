// Package broker implements the Holon-RPC broker: the WebSocket server
// that accepts peer connections, maintains the peer<->holon-name registry,
// and routes every inbound request through a fixed dispatch pipeline
// (directed dispatch by holon name, explicit _peer targeting, *.method
// fan-out, and the two broadcast-notification modes).
//
// # Overview
//
// The broker is the one process every holon connects to. It never
// initiates application work itself; its job is purely connection
// bookkeeping and routing. Every accepted connection becomes one
// peerconn.Endpoint, addressed by a broker-assigned id of the form "c<N>",
// and every inbound request on that connection passes through dispatch.go
// before it reaches either another peer or the broker's own (small)
// handler table.
//
// # Architecture
//
//	┌────────────────────────────────────────────┐
//	│                  BROKER                      │
//	├────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────────────────────────┐    │
//	│  │   HandleUpgrade                      │    │
//	│  │   - subprotocol negotiation          │    │
//	│  │   - peer id assignment (c<N>)        │    │
//	│  │   - one peerconn.Endpoint per peer   │    │
//	│  └────────────────────────────────────┘    │
//	│                                              │
//	│  ┌────────────────────────────────────┐    │
//	│  │   registry.Registry                  │    │
//	│  │   - peerID <-> holon name            │    │
//	│  └────────────────────────────────────┘    │
//	│                                              │
//	│  ┌────────────────────────────────────┐    │
//	│  │   dispatch (dispatch.go)             │    │
//	│  │   - rpc.heartbeat / register /       │    │
//	│  │     unregister short-circuits        │    │
//	│  │   - routing-hint extraction          │    │
//	│  │   - fan-out (*.) / directed / local   │    │
//	│  └────────────────────────────────────┘    │
//	│                                              │
//	└────────────────────────────────────────────┘
//
// # Wiring to peerconn
//
// Each endpoint's inbound-request path is wired to dispatch through
// peerconn.Endpoint.Intercept, set in HandleUpgrade:
//
//	ep.Intercept = func(ctx, env) bool { return b.dispatch(ctx, id, ep, env) }
//
// This means the broker's routing pipeline runs instead of the endpoint's
// generic handler-table lookup for every request that peer sends; the
// broker's own handler table (Register) is consulted only as dispatch's
// last resort, for methods that are neither reserved nor routed to
// another peer. Replies and forwarded notifications reuse the endpoint's
// exported RespondResult/RespondError/Invoke/Notify rather than writing to
// the connection directly, so framing and correlation stay in one place.
//
// # Routing modes
//
// A request's method name and params._peer/params._routing fields select
// one of three dispatch shapes, resolved in dispatch.go:
//
//	directed:       "name.Method" or {_peer: "c3"}  -> exactly one peer
//	fan-out:        "*.Method"                      -> every other peer, gathered
//	local fallback: plain "Method", no route parses -> broker's own handler table
//
// broadcast-response and full-broadcast additionally fire best-effort
// Notify calls to peers that were not the call's direct target, carrying
// a {peer, result|error} payload per notified method.
//
// # Concurrency model
//
//   - b.mu (RWMutex) guards the peer-id -> Endpoint map.
//   - b.handlersMu (RWMutex) guards the broker-local handler table.
//   - Fan-out gathers all target invocations concurrently via
//     golang.org/x/sync/errgroup, never aborting the batch on one peer's
//     failure — each goroutine always returns nil and records its own
//     error into that target's fanEntry.
//   - Close is idempotent (sync.Once) and bounded by the caller's context.
package broker
