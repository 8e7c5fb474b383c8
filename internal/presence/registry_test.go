package presence

import (
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	frames  [][]byte
	healthy bool
}

func newFakeSink() *fakeSink { return &fakeSink{healthy: true} }

func (f *fakeSink) TrySend(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestAttachSupersedes(t *testing.T) {
	r := New(3*time.Second, nil)

	s1 := newFakeSink()
	if prior := r.Attach("u1", "Alice", s1); prior != nil {
		t.Fatal("first attach should have no prior sink")
	}

	s2 := newFakeSink()
	prior := r.Attach("u1", "Alice", s2)
	if prior != Sink(s1) {
		t.Fatal("second attach for same user should return the first sink for supersession")
	}
}

func TestJoinAndMembers(t *testing.T) {
	r := New(3*time.Second, nil)
	r.Attach("alice", "Alice", newFakeSink())
	r.Attach("bob", "Bob", newFakeSink())

	members, changed := r.Join("alice", "default")
	if !changed || len(members) != 1 {
		t.Fatalf("expected alice alone in room, got %v changed=%v", members, changed)
	}

	members, changed = r.Join("bob", "default")
	if !changed || len(members) != 2 {
		t.Fatalf("expected 2 members after bob joins, got %v", members)
	}
	if members[0].UserID != "alice" || members[1].UserID != "bob" {
		t.Fatalf("expected deterministic id-order, got %v", members)
	}

	// Re-joining should be a no-op.
	_, changed = r.Join("bob", "default")
	if changed {
		t.Fatal("re-join should not report a membership change")
	}
}

func TestDetachOnlyCurrentSink(t *testing.T) {
	r := New(3*time.Second, nil)
	s1 := newFakeSink()
	r.Attach("alice", "Alice", s1)
	r.Join("alice", "default")

	s2 := newFakeSink()
	r.Attach("alice", "Alice", s2) // supersede

	_, detached := r.Detach("alice", s1)
	if detached {
		t.Fatal("detach with a stale sink must not remove the current mapping")
	}

	affected, detached := r.Detach("alice", s2)
	if !detached {
		t.Fatal("detach with the current sink should succeed")
	}
	if len(affected) != 1 || affected[0] != "default" {
		t.Fatalf("expected default room affected, got %v", affected)
	}
}

func TestBroadcastExcludesSenderAndReportsFailures(t *testing.T) {
	r := New(3*time.Second, nil)
	alice := newFakeSink()
	bob := newFakeSink()
	carol := newFakeSink()
	carol.healthy = false

	r.Attach("alice", "Alice", alice)
	r.Attach("bob", "Bob", bob)
	r.Attach("carol", "Carol", carol)
	r.Join("alice", "default")
	r.Join("bob", "default")
	r.Join("carol", "default")

	failed := r.Broadcast("default", []byte("hi"), "alice")

	if alice.count() != 0 {
		t.Fatal("sender should be excluded from broadcast")
	}
	if bob.count() != 1 {
		t.Fatal("bob should have received the frame")
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly one failed sink, got %d", len(failed))
	}
}

func TestSetNameUpdatesSnapshot(t *testing.T) {
	r := New(3*time.Second, nil)
	r.Attach("alice", "Alice", newFakeSink())
	r.Join("alice", "default")

	affected, ok := r.SetName("alice", "Alicia")
	if !ok || len(affected) != 1 {
		t.Fatalf("expected one affected room, got %v ok=%v", affected, ok)
	}

	members := r.Members("default")
	if members[0].DisplayName != "Alicia" {
		t.Fatalf("expected updated display name, got %q", members[0].DisplayName)
	}
}

func TestTypingExpiry(t *testing.T) {
	expired := make(chan [2]string, 1)
	r := New(20*time.Millisecond, func(roomID, userID string) {
		expired <- [2]string{roomID, userID}
	})

	r.MarkTyping("default", "alice")

	select {
	case ev := <-expired:
		if ev[0] != "default" || ev[1] != "alice" {
			t.Fatalf("unexpected expiry event %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("typing mark did not expire in time")
	}
}

func TestTypingClearPreventsExpiry(t *testing.T) {
	expired := make(chan [2]string, 1)
	r := New(20*time.Millisecond, func(roomID, userID string) {
		expired <- [2]string{roomID, userID}
	})

	r.MarkTyping("default", "alice")
	r.ClearTyping("default", "alice")

	select {
	case ev := <-expired:
		t.Fatalf("cleared typing mark should not expire, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
