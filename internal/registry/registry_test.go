package registry

import (
	"testing"
)

func TestRegisterAndResolve(t *testing.T) {
	r := New()

	if !r.Register("c1", "storage") {
		t.Fatal("expected register to succeed")
	}

	id, ok := r.Resolve("storage", "")
	if !ok || id != "c1" {
		t.Fatalf("expected c1, got %q ok=%v", id, ok)
	}
}

func TestResolveExcludesCaller(t *testing.T) {
	r := New()
	r.Register("c1", "storage")

	// The only peer registered as "storage" is the caller itself.
	if _, ok := r.Resolve("storage", "c1"); ok {
		t.Fatal("expected resolve to exclude the caller and find nothing")
	}

	r.Register("c2", "storage")
	id, ok := r.Resolve("storage", "c1")
	if !ok || id != "c2" {
		t.Fatalf("expected c2 excluding c1, got %q ok=%v", id, ok)
	}
}

func TestResolveUnknownName(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("nope", ""); ok {
		t.Fatal("expected no resolution for unknown holon name")
	}
}

func TestReRegisterMovesPeer(t *testing.T) {
	r := New()
	r.Register("c1", "compute")
	r.Register("c1", "storage")

	if _, ok := r.Resolve("compute", ""); ok {
		t.Fatal("expected c1 removed from 'compute' set after re-registering")
	}
	name, ok := r.NameOf("c1")
	if !ok || name != "storage" {
		t.Fatalf("expected c1 -> storage, got %q", name)
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register("c1", "storage")
	r.Deregister("c1")
	r.Deregister("c1") // no-op, must not panic or error

	if _, ok := r.NameOf("c1"); ok {
		t.Fatal("expected c1 to be fully removed")
	}
	if _, ok := r.Resolve("storage", ""); ok {
		t.Fatal("expected 'storage' set to be empty after deregister")
	}
}

func TestMultiplePeersShareName(t *testing.T) {
	r := New()
	r.Register("c1", "storage")
	r.Register("c2", "storage")
	r.Register("c3", "storage")

	peers := r.PeersOf("storage")
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %v", peers)
	}

	// First non-caller entry, in registration order.
	id, ok := r.Resolve("storage", "c1")
	if !ok || id != "c2" {
		t.Fatalf("expected c2 first, got %q", id)
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New()
	if r.Register("c1", "   ") {
		t.Fatal("expected blank name to be rejected")
	}
	if _, ok := r.NameOf("c1"); ok {
		t.Fatal("expected no registration to have occurred")
	}
}

func TestParseDispatchRoute(t *testing.T) {
	cases := []struct {
		method    string
		wantOK    bool
		wantName  string
		wantRest  string
	}{
		{"storage.Echo/Ping", true, "storage", "Echo/Ping"},
		{" compute . Echo ", true, "compute", "Echo"},
		{"rpc.heartbeat", true, "rpc", "heartbeat"},
		{"noroute", false, "", ""},
		{".Echo", false, "", ""},
		{"storage.", false, "", ""},
	}

	for _, tc := range cases {
		route, ok := ParseDispatchRoute(tc.method)
		if ok != tc.wantOK {
			t.Errorf("ParseDispatchRoute(%q) ok = %v, want %v", tc.method, ok, tc.wantOK)
			continue
		}
		if ok && (route.HolonName != tc.wantName || route.Method != tc.wantRest) {
			t.Errorf("ParseDispatchRoute(%q) = %+v, want {%q %q}", tc.method, route, tc.wantName, tc.wantRest)
		}
	}
}

func TestBidirectionalConsistencyUnderChurn(t *testing.T) {
	r := New()
	for i := 0; i < 50; i++ {
		id := "c" + string(rune('a'+i%26))
		r.Register(id, "pool")
	}
	for i := 0; i < 25; i++ {
		id := "c" + string(rune('a'+i%26))
		r.Deregister(id)
	}

	// Every remaining byName entry must be consistent with byPeer.
	for _, id := range r.PeersOf("pool") {
		name, ok := r.NameOf(id)
		if !ok || name != "pool" {
			t.Fatalf("inconsistent registry: peer %q in 'pool' set but NameOf = %q, %v", id, name, ok)
		}
	}

	// And every peer that still holds a name must appear in that name's set.
	for i := 0; i < 26; i++ {
		id := "c" + string(rune('a'+i))
		name, ok := r.NameOf(id)
		if !ok {
			continue
		}
		found := false
		for _, p := range r.PeersOf(name) {
			found = found || p == id
		}
		if !found {
			t.Fatalf("inconsistent registry: NameOf(%q) = %q but peer missing from that set", id, name)
		}
	}
}
