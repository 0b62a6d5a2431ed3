// Package holonclient implements the holon side of Holon-RPC: a
// connect/reconnect supervisor wrapped around one internal/peerconn
// Endpoint.
//
// # Overview
//
// A Client owns exactly one live connection to the broker at a time. On
// any disconnection — remote close, failed heartbeat, transport error —
// it automatically redials with exponential backoff and jitter,
// re-registers the caller's handlers on the fresh endpoint, and re-arms
// the "connected" gate that Invoke and Notify wait on. Handler
// registration and outbound calls are safe to use across reconnects
// without the caller noticing anything beyond elevated latency during the
// gap.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│                 CLIENT                     │
//	├──────────────────────────────────────────┤
//	│                                            │
//	│  ┌──────────────────────────────────┐    │
//	│  │   supervise / reconnectLoop        │    │
//	│  │   - dial, negotiate subprotocol    │    │
//	│  │   - exponential backoff + jitter   │    │
//	│  └──────────────────────────────────┘    │
//	│                 │                          │
//	│                 ▼                          │
//	│  ┌──────────────────────────────────┐    │
//	│  │   peerconn.Endpoint (current)      │    │
//	│  │   - one per connection, swapped    │    │
//	│  │     out whole on reconnect         │    │
//	│  └──────────────────────────────────┘    │
//	│                 │                          │
//	│                 ▼                          │
//	│  ┌──────────────────────────────────┐    │
//	│  │   heartbeat ticker                 │    │
//	│  │   - rpc.heartbeat on its own       │    │
//	│  │     goroutine, tied to a per-       │    │
//	│  │     connection done channel        │    │
//	│  └──────────────────────────────────┘    │
//	│                                            │
//	│  gate: closed while connected, replaced    │
//	│  with a fresh channel on every disconnect  │
//	│                                            │
//	└──────────────────────────────────────────┘
//
// # Reconnect behavior
//
// Each redial attempt waits base * factor^attempt milliseconds, capped at
// ReconnectMaxDelayMs, plus a uniform random jitter up to
// ReconnectMinDelayMs * ReconnectJitter. attempt resets to zero on every
// successful connect. There is no maximum attempt count — a Client retries
// until Close is called or its context ends; the broker going away is
// treated as a transient condition, not a fatal one.
//
// # Liveness
//
// Two independent signals detect a dead connection:
//
//   - the read loop failing (peerconn's onGone callback fires, which here
//     re-arms the connect gate and logs the cause)
//   - a heartbeat round-trip timing out or erroring, in which case the
//     client proactively closes its own endpoint rather than waiting for
//     the transport to notice
//
// Either path converges on the same reconnectLoop.
//
// # Concurrency model
//
//   - c.mu (Mutex) guards the current endpoint, gate, attempt counter, and
//     closed flag.
//   - c.handlersMu (RWMutex) guards the method table re-applied to every
//     new endpoint.
//   - Invoke/Notify block on the gate (bounded by ConnectTimeoutMs) before
//     touching the current endpoint, so callers never race a reconnect in
//     progress.
//   - Close is idempotent and waits for every client goroutine (supervisor,
//     heartbeat ticker) to exit before returning.
package holonclient
