// Package peerconn implements the Holon-RPC peer endpoint: the
// per-connection state machine shared by the broker (one instance per
// accepted peer) and the holon client (one instance per dial).
//
// # Responsibilities
//
// An Endpoint owns exactly one underlying message-oriented connection and:
//
//   - Correlates outgoing Invoke calls with their eventual response by
//     allocating a fresh correlation id per call and tracking a "pending"
//     waiter table keyed by that id.
//   - Dispatches inbound request-shaped envelopes to a local handler table,
//     translating handler errors into wire-visible envelope.Error values.
//   - Answers rpc.heartbeat directly, without consulting the handler table.
//   - Surfaces framing/parse failures produced by the envelope package.
//
// # Id namespaces
//
// Every Endpoint plays one of two roles (RoleClient or RoleBroker), which
// determines which prefix it stamps on the correlation ids of requests it
// originates: a client-role endpoint (the holon client's single connection)
// assigns "c<N>" ids, since it always originates as the "client" of an
// exchange; a broker-role endpoint (the broker's per-connection handle to
// one accepted peer) assigns "s<N>" ids when the broker itself forwards a
// call down that connection, since the broker is the "server" side.
//
// A client-role endpoint validates that every inbound request it receives
// carries an id beginning with "s" — the only legitimate source of an
// inbound request at a client is the broker forwarding or probing it, and
// any other shape indicates the two sides have confused request and
// response roles. A broker-role endpoint does not apply this check to the
// ordinary application requests it receives from the peer it is connected
// to; those are validated by the dispatcher instead (see internal/broker).
package peerconn
