// Package presence implements the Presence Registry of spec §4.C: the live
// roster of connected users, room membership, and the soft typing-indicator
// state, with atomic-snapshot room membership views descended from the
// ancestor codebase's copy-on-write SubscriptionIndex.
package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is the outbound side of a Connection, as far as the registry is
// concerned: enough to deliver a frame or to identify the connection for
// supersession and teardown bookkeeping. The Hub's connection type
// implements this.
type Sink interface {
	// TrySend attempts a non-blocking delivery of frame. It returns false
	// if the connection's outbound queue is saturated or already closed;
	// the caller must then tear the connection down.
	TrySend(frame []byte) bool
}

// Member is one entry in a room's ordered membership snapshot.
type Member struct {
	UserID      string
	DisplayName string
}

// TypingExpiredFunc is invoked when a typing mark's 3-second deadline
// elapses without a refresh or explicit typing_stop. The registry has
// already cleared the mark by the time this fires.
type TypingExpiredFunc func(roomID, userID string)

type user struct {
	displayName string
	sink        Sink
	rooms       map[string]struct{}
}

type room struct {
	members map[string]struct{} // user_id set
	view    atomic.Value        // []Member, immutable snapshot
}

func newRoom() *room {
	r := &room{members: make(map[string]struct{})}
	r.view.Store([]Member(nil))
	return r
}

type typingKey struct {
	roomID, userID string
}

// Registry owns User, Room, and TypingMark state, and logically borrows
// Connection sinks for fan-out.
type Registry struct {
	mu    sync.Mutex
	users map[string]*user
	rooms map[string]*room

	typingIdleTimeout time.Duration
	typingMu          sync.Mutex
	typing            map[typingKey]*time.Timer
	onTypingExpired   TypingExpiredFunc
}

// New returns an empty registry. onTypingExpired is called from a timer
// goroutine whenever a typing mark times out.
func New(typingIdleTimeout time.Duration, onTypingExpired TypingExpiredFunc) *Registry {
	return &Registry{
		users:             make(map[string]*user),
		rooms:             make(map[string]*room),
		typingIdleTimeout: typingIdleTimeout,
		typing:            make(map[typingKey]*time.Timer),
		onTypingExpired:   onTypingExpired,
	}
}

// Attach registers sink as the connection for userID, returning the prior
// sink if one existed so the caller can supersede it (spec §4.E
// Supersession). The prior user's room memberships are carried over to the
// new sink silently; the caller is expected to close the prior connection.
func (r *Registry) Attach(userID, displayName string, sink Sink) (prior Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		r.users[userID] = &user{
			displayName: displayName,
			sink:        sink,
			rooms:       make(map[string]struct{}),
		}
		return nil
	}

	prior = u.sink
	u.sink = sink
	u.displayName = displayName
	return prior
}

// Detach removes userID's mapping only if sink is still the current one,
// guarding against a race with a concurrent supersession. It returns the
// set of room ids the user was a member of so the caller can broadcast
// updated presence, and true if the detach actually happened.
func (r *Registry) Detach(userID string, sink Sink) (affectedRooms []string, detached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok || u.sink != sink {
		return nil, false
	}

	for roomID := range u.rooms {
		rm := r.rooms[roomID]
		if rm == nil {
			continue
		}
		delete(rm.members, userID)
		r.refreshRoomView(rm)
		affectedRooms = append(affectedRooms, roomID)
		if len(rm.members) == 0 {
			delete(r.rooms, roomID)
		}
	}

	delete(r.users, userID)
	return affectedRooms, true
}

// Join adds userID to roomID, creating the room record if needed, and
// returns the current member view and whether membership actually changed.
func (r *Registry) Join(userID, roomID string) (members []Member, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, false
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = newRoom()
		r.rooms[roomID] = rm
	}

	if _, already := rm.members[userID]; !already {
		rm.members[userID] = struct{}{}
		u.rooms[roomID] = struct{}{}
		r.refreshRoomView(rm)
		changed = true
	}

	return rm.view.Load().([]Member), changed
}

// SetName applies a display-name change, returning the rooms whose
// presence snapshots must be re-emitted. It does not check the name; the
// protocol codec trims and length-checks set_name frames before they get
// here.
func (r *Registry) SetName(userID, newName string) (affectedRooms []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.users[userID]
	if !exists {
		return nil, false
	}

	u.displayName = newName
	for roomID := range u.rooms {
		rm := r.rooms[roomID]
		if rm == nil {
			continue
		}
		r.refreshRoomView(rm)
		affectedRooms = append(affectedRooms, roomID)
	}
	return affectedRooms, true
}

// Members returns the current ordered (by user id) membership snapshot for
// roomID. The slice is an immutable snapshot, safe to read without locking.
func (r *Registry) Members(roomID string) []Member {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return rm.view.Load().([]Member)
}

// refreshRoomView rebuilds a room's ordered member snapshot. Must be
// called with r.mu held.
func (r *Registry) refreshRoomView(rm *room) {
	members := make([]Member, 0, len(rm.members))
	for userID := range rm.members {
		u := r.users[userID]
		if u == nil {
			continue
		}
		members = append(members, Member{UserID: userID, DisplayName: u.displayName})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	rm.view.Store(members)
}

// Broadcast delivers frame to every current member of roomID except the
// optionally excluded user, without holding the registry lock during
// delivery. It returns the sinks that failed to accept the frame so the
// caller can schedule those connections for teardown; a failing recipient
// never blocks delivery to the others.
func (r *Registry) Broadcast(roomID string, frame []byte, except string) (failed []Sink) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	members := rm.view.Load().([]Member)
	sinks := make([]Sink, 0, len(members))
	for _, m := range members {
		if m.UserID == except {
			continue
		}
		if u := r.users[m.UserID]; u != nil {
			sinks = append(sinks, u.sink)
		}
	}
	r.mu.Unlock()

	for _, s := range sinks {
		if !s.TrySend(frame) {
			failed = append(failed, s)
		}
	}
	return failed
}

// MarkTyping arms or refreshes a 3-second typing expiry for (roomID, userID).
func (r *Registry) MarkTyping(roomID, userID string) {
	key := typingKey{roomID, userID}

	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	if t, ok := r.typing[key]; ok {
		t.Stop()
	}
	r.typing[key] = time.AfterFunc(r.typingIdleTimeout, func() {
		r.typingMu.Lock()
		delete(r.typing, key)
		r.typingMu.Unlock()
		if r.onTypingExpired != nil {
			r.onTypingExpired(roomID, userID)
		}
	})
}

// ClearTyping cancels any pending typing expiry for (roomID, userID),
// called on an explicit typing_stop.
func (r *Registry) ClearTyping(roomID, userID string) {
	key := typingKey{roomID, userID}

	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	if t, ok := r.typing[key]; ok {
		t.Stop()
		delete(r.typing, key)
	}
}

// ClearAllTyping cancels every typing mark owned by userID, called on
// disconnect.
func (r *Registry) ClearAllTyping(userID string) {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	for key, t := range r.typing {
		if key.userID == userID {
			t.Stop()
			delete(r.typing, key)
		}
	}
}
