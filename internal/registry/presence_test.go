package registry

import "testing"

func TestPresence_TrackLookupUntrack(t *testing.T) {
	p := NewPresence()
	conn := &fakeConn{id: "c1"}

	p.Track("alice", conn)
	if got, ok := p.Lookup("alice"); !ok || got.ID() != "c1" {
		t.Fatalf("lookup after track: ok=%v got=%v", ok, got)
	}

	p.Untrack("alice", conn)
	if _, ok := p.Lookup("alice"); ok {
		t.Fatalf("expected alice offline after untrack")
	}
}

func TestPresence_StaleConnectionCannotUntrackReconnect(t *testing.T) {
	p := NewPresence()
	old := &fakeConn{id: "old"}
	fresh := &fakeConn{id: "new"}

	p.Track("alice", old)
	p.Track("alice", fresh)

	// The dying old connection's cleanup must not evict the reconnect.
	p.Untrack("alice", old)
	if got, ok := p.Lookup("alice"); !ok || got.ID() != "new" {
		t.Fatalf("reconnect evicted by stale untrack: ok=%v got=%v", ok, got)
	}
}

func TestPresence_OnlineIsSorted(t *testing.T) {
	p := NewPresence()
	p.Track("carol", &fakeConn{id: "c3"})
	p.Track("alice", &fakeConn{id: "c1"})
	p.Track("bob", &fakeConn{id: "c2"})

	online := p.Online()
	want := []string{"alice", "bob", "carol"}
	if len(online) != len(want) {
		t.Fatalf("online=%v, want %v", online, want)
	}
	for i := range want {
		if online[i] != want[i] {
			t.Fatalf("online=%v, want %v", online, want)
		}
	}
}
