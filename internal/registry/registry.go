package registry

import (
	"strings"
	"sync"
)

// Registry maintains the bidirectional mapping between peer id and holon
// name for the lifetime of a single broker process. It is the only
// component permitted to mutate that mapping; everything else goes through
// Register, Deregister, and Resolve.
type Registry struct {
	mu sync.RWMutex

	// byPeer maps a peer id to the single holon name it currently holds,
	// if any. A peer with no entry here has not registered a name.
	byPeer map[string]string

	// byName maps a holon name to the ordered set of peer ids currently
	// registered under it. Order is registration order; Resolve always
	// walks from the front.
	byName map[string][]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byPeer: make(map[string]string),
		byName: make(map[string][]string),
	}
}

// Register associates peerID with name, trimmed of surrounding
// whitespace. If peerID already held a different name, it is removed from
// that name's set first, preserving invariant 5 (bidirectional
// consistency): at most one name per peer, and peerID always appears in
// byName[name] iff byPeer[peerID] == name.
//
// An empty (post-trim) name is rejected; callers are expected to have
// validated params.name non-empty before calling Register.
func (r *Registry) Register(peerID, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || peerID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byPeer[peerID]; ok && old != name {
		r.removeFromSet(old, peerID)
	}
	r.byPeer[peerID] = name
	if !containsStr(r.byName[name], peerID) {
		r.byName[name] = append(r.byName[name], peerID)
	}
	return true
}

// Deregister removes peerID from the registry in both directions. It is a
// no-op (not an error) if peerID is not currently registered — deregister
// must be safe to call unconditionally on disconnect.
func (r *Registry) Deregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	delete(r.byPeer, peerID)
	r.removeFromSet(name, peerID)
}

// Resolve returns the first peer id registered under name other than
// excludePeerID, and whether one was found. It never returns excludePeerID
// itself, so a caller registered under the name it is dispatching to can
// never select itself.
func (r *Registry) Resolve(name, excludePeerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byName[name] {
		if id != excludePeerID {
			return id, true
		}
	}
	return "", false
}

// NameOf returns the holon name currently held by peerID, if any.
func (r *Registry) NameOf(peerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byPeer[peerID]
	return name, ok
}

// PeersOf returns a copy of the peer ids currently registered under name,
// in registration order.
func (r *Registry) PeersOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byName[name]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// removeFromSet deletes peerID from byName[name], cleaning up the map
// entry entirely once the set is empty. Callers must hold the write lock.
func (r *Registry) removeFromSet(name, peerID string) {
	ids := r.byName[name]
	for i, id := range ids {
		if id == peerID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byName, name)
	} else {
		r.byName[name] = ids
	}
}

func containsStr(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Route is a parsed (holonName, method) pair extracted from a dotted
// dispatch method name such as "storage.Echo/Ping".
type Route struct {
	HolonName string
	Method    string
}

// ParseDispatchRoute splits method on the first '.'. Both the holon-name
// side and the method side must be non-empty after trimming, otherwise the
// method does not describe a dispatch route (ok is false) and the broker
// should fall back to treating it as a plain local method name.
func ParseDispatchRoute(method string) (Route, bool) {
	idx := strings.Index(method, ".")
	if idx < 0 {
		return Route{}, false
	}
	name := strings.TrimSpace(method[:idx])
	rest := strings.TrimSpace(method[idx+1:])
	if name == "" || rest == "" {
		return Route{}, false
	}
	return Route{HolonName: name, Method: rest}, true
}
