package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/auth"
	"github.com/daikichidaze/simple-chatapp/internal/config"
	"github.com/daikichidaze/simple-chatapp/internal/history"
	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/daikichidaze/simple-chatapp/internal/presence"
	"github.com/daikichidaze/simple-chatapp/internal/protocol"
	"github.com/daikichidaze/simple-chatapp/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
)

// testHub builds a Hub with every component wired, bypassing config.Load and
// net.Listen, so dispatch logic can be exercised directly against in-memory
// connections the way the teacher's own component tests avoid spinning up a
// full server.
func testHub(t *testing.T) *Hub {
	t.Helper()

	cfg := &config.Config{
		HistoryRetentionTTL:        time.Hour,
		HistoryRetentionPerRoomCap: 500,
		InitialHistoryLimit:        100,
		DatabasePath:               ":memory:",
		RateLimitCapacity:          10,
		RateLimitRefillPerSecond:   3,
		TypingIdleTimeout:          50 * time.Millisecond,
		MessageMaxChars:            2000,
		DisplayNameMaxChars:        50,
		OutboundQueueFrames:        256,
		OutboundQueueBytes:         1 << 20,
	}

	store, err := history.Open(cfg.DatabasePath, cfg.HistoryRetentionPerRoomCap, cfg.HistoryRetentionTTL)
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &Hub{
		cfg:           cfg,
		logger:        monitoring.NewLogger(config.LogLevelError, config.LogFormatJSON),
		metrics:       monitoring.NewMetrics(prometheus.NewRegistry()),
		admission:     ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefillPerSecond),
		store:         store,
		authenticator: auth.NewJWTCookieAuthenticator("test-secret", "chat_session"),
		stats:         config.NewStats(),
	}
	h.registry = presence.New(cfg.TypingIdleTimeout, h.onTypingExpired)

	return h
}

// fakeConn is a recording presence.Sink standing in for a connection's
// transport in dispatch-level tests, without a real net.Conn. It mirrors
// writePump's contract: c.send is never closed, so draining watches
// closedCh directly instead of relying on a channel-close signal.
type fakeConn struct {
	*connection
	mu       sync.Mutex
	received [][]byte
}

func newFakeConn(h *Hub, userID, displayName string) *fakeConn {
	c := newConnection(h, nil, userID, displayName)
	fc := &fakeConn{connection: c}
	go func() {
		for {
			select {
			case frame := <-c.send:
				fc.mu.Lock()
				fc.received = append(fc.received, frame)
				fc.mu.Unlock()
			case <-c.closedCh:
				return
			}
		}
	}()
	return fc
}

func (fc *fakeConn) frames() [][]byte {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([][]byte, len(fc.received))
	copy(out, fc.received)
	return out
}

func decodeType(t *testing.T, frame []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env.Type
}

func TestJoinThenMessageBroadcastsToAllIncludingSender(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	alice := newFakeConn(h, "alice", "Alice")
	bob := newFakeConn(h, "bob", "Bob")
	h.registry.Attach("alice", "Alice", alice)
	h.registry.Attach("bob", "Bob", bob)

	h.handleJoin(ctx, alice.connection, &protocol.JoinFrame{RoomID: "default"})
	h.handleJoin(ctx, bob.connection, &protocol.JoinFrame{RoomID: "default"})
	alice.connection.currentRoom = "default"
	bob.connection.currentRoom = "default"

	h.handleMessage(ctx, alice.connection, &protocol.MessageFrame{RoomID: "default", Text: "hi @Bob"})

	time.Sleep(20 * time.Millisecond)

	foundForAlice, foundForBob := false, false
	for _, f := range alice.frames() {
		if decodeType(t, f) == protocol.TypeMessage {
			foundForAlice = true
		}
	}
	for _, f := range bob.frames() {
		if decodeType(t, f) == protocol.TypeMessage {
			foundForBob = true
		}
	}
	if !foundForAlice {
		t.Error("expected sender to receive its own message broadcast")
	}
	if !foundForBob {
		t.Error("expected other room member to receive the message broadcast")
	}

	msgs, err := h.store.Recent(ctx, "default", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
	if len(msgs[0].Mentions) != 1 || msgs[0].Mentions[0] != "bob" {
		t.Errorf("expected mention resolved to bob, got %v", msgs[0].Mentions)
	}
}

func TestMessageRejectedWhenNotJoinedToRoom(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	alice := newFakeConn(h, "alice", "Alice")
	h.registry.Attach("alice", "Alice", alice)

	h.handleMessage(ctx, alice.connection, &protocol.MessageFrame{RoomID: "default", Text: "hi"})
	time.Sleep(10 * time.Millisecond)

	frames := alice.frames()
	if len(frames) != 1 || decodeType(t, frames[0]) != protocol.TypeError {
		t.Fatalf("expected a single error frame, got %d frames", len(frames))
	}
}

func TestMessageRateLimitedAfterBurst(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	alice := newFakeConn(h, "alice", "Alice")
	h.registry.Attach("alice", "Alice", alice)
	h.handleJoin(ctx, alice.connection, &protocol.JoinFrame{RoomID: "default"})
	alice.connection.currentRoom = "default"

	rejected := false
	for i := 0; i < 20; i++ {
		h.handleMessage(ctx, alice.connection, &protocol.MessageFrame{RoomID: "default", Text: "spam"})
	}
	time.Sleep(20 * time.Millisecond)
	for _, f := range alice.frames() {
		if decodeType(t, f) == protocol.TypeError {
			rejected = true
		}
	}
	if !rejected {
		t.Error("expected at least one RATE_LIMIT error frame after a burst beyond capacity")
	}
}

func TestSetNameBroadcastsUpdatedPresence(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	alice := newFakeConn(h, "alice", "Alice")
	bob := newFakeConn(h, "bob", "Bob")
	h.registry.Attach("alice", "Alice", alice)
	h.registry.Attach("bob", "Bob", bob)
	h.handleJoin(ctx, alice.connection, &protocol.JoinFrame{RoomID: "default"})
	h.handleJoin(ctx, bob.connection, &protocol.JoinFrame{RoomID: "default"})
	alice.connection.currentRoom = "default"
	bob.connection.currentRoom = "default"

	h.handleSetName(alice.connection, &protocol.SetNameFrame{DisplayName: "Alicia"})
	time.Sleep(20 * time.Millisecond)

	if alice.connection.displayName != "Alicia" {
		t.Errorf("expected connection display name updated, got %q", alice.connection.displayName)
	}

	var latest struct {
		Members []protocol.Member `json:"members"`
	}
	sawPresence := false
	for _, f := range bob.frames() {
		if decodeType(t, f) == protocol.TypePresence {
			sawPresence = true
			if err := json.Unmarshal(f, &latest); err != nil {
				t.Fatalf("decode presence: %v", err)
			}
		}
	}
	if !sawPresence {
		t.Error("expected bob to receive an updated presence snapshot after alice's rename")
	}
	renamed := false
	for _, m := range latest.Members {
		if m.ID == "alice" && m.DisplayName == "Alicia" {
			renamed = true
		}
	}
	if !renamed {
		t.Errorf("expected bob's latest presence snapshot to list alice as Alicia, got %+v", latest.Members)
	}
}

func TestTeardownDetachesAndBroadcastsPresence(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	alice := newFakeConn(h, "alice", "Alice")
	bob := newFakeConn(h, "bob", "Bob")
	// Attach alice's inner connection, the same sink teardown detaches.
	h.registry.Attach("alice", "Alice", alice.connection)
	h.registry.Attach("bob", "Bob", bob)
	h.handleJoin(ctx, alice.connection, &protocol.JoinFrame{RoomID: "default"})
	h.handleJoin(ctx, bob.connection, &protocol.JoinFrame{RoomID: "default"})

	h.teardown(alice.connection, "test_exit")
	time.Sleep(20 * time.Millisecond)

	members := h.registry.Members("default")
	for _, m := range members {
		if m.UserID == "alice" {
			t.Fatal("expected alice removed from room membership after teardown")
		}
	}

	var latest struct {
		Members []protocol.Member `json:"members"`
	}
	sawPresence := false
	for _, f := range bob.frames() {
		if decodeType(t, f) == protocol.TypePresence {
			sawPresence = true
			if err := json.Unmarshal(f, &latest); err != nil {
				t.Fatalf("decode presence: %v", err)
			}
		}
	}
	if !sawPresence {
		t.Error("expected bob to receive updated presence after alice's teardown")
	}
	for _, m := range latest.Members {
		if m.ID == "alice" {
			t.Errorf("expected bob's latest presence snapshot to omit alice after teardown, got %+v", latest.Members)
		}
	}
}

func TestTypingExpiresAndEmitsStop(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	alice := newFakeConn(h, "alice", "Alice")
	bob := newFakeConn(h, "bob", "Bob")
	h.registry.Attach("alice", "Alice", alice)
	h.registry.Attach("bob", "Bob", bob)
	h.handleJoin(ctx, alice.connection, &protocol.JoinFrame{RoomID: "default"})
	h.handleJoin(ctx, bob.connection, &protocol.JoinFrame{RoomID: "default"})

	h.handleTypingStart(alice.connection, &protocol.TypingStartFrame{RoomID: "default"})
	time.Sleep(200 * time.Millisecond)

	sawStop := false
	for _, f := range bob.frames() {
		if decodeType(t, f) == protocol.TypeUserTypingStop {
			sawStop = true
		}
	}
	if !sawStop {
		t.Error("expected typing_stop to be emitted after the idle timeout")
	}
}
