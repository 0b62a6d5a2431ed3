// Package registry implements the Holon-RPC router: the bidirectional
// mapping between broker-assigned peer ids and self-declared holon names,
// and the parsing of dotted dispatch-route method names.
//
// # Architecture
//
//	┌───────────────────────────────────┐
//	│            Registry                │
//	├───────────────────────────────────┤
//	│  byPeer:  peerID -> holonName      │
//	│  byName:  holonName -> []peerID    │
//	│  mu: RWMutex for thread safety     │
//	├───────────────────────────────────┤
//	│  "c3" -> "storage"                 │
//	│  "storage" -> ["c3", "c7"]          │
//	└───────────────────────────────────┘
//
// Multiple peers may register under the same holon name; the resolver
// always picks the first non-caller entry in registration order. There is
// no load balancing here — a deployment that wants round-robin or
// least-loaded selection builds that on top of Resolve, it does not belong
// in the registry itself.
//
// # Concurrency model
//
//   - Read operations (Resolve, NameOf, PeersOf) take an RLock.
//   - Write operations (Register, Deregister) take an exclusive Lock.
//   - Returned slices are copies; callers may not observe or cause races by
//     holding on to them.
package registry
