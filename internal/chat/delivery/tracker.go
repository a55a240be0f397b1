// Package delivery maintains per-message read receipts and per-identity
// unread counters.
package delivery

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/parley/internal/chat"
)

type unreadKey struct {
	identityID string
	room       chat.RoomName
}

// Tracker records which identities have read which messages and how many
// messages each identity has not yet read per room.
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	rooms   map[string]chat.RoomName       // message id → room of a durable message
	readers map[string]map[string]struct{} // message id → identity ids
	unread  map[unreadKey]int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms:   make(map[string]chat.RoomName),
		readers: make(map[string]map[string]struct{}),
		unread:  make(map[unreadKey]int),
	}
}

// Seed records a freshly persisted message with its sender as the first reader.
//
// Precondition: the message was accepted by the store.
// Postcondition: Readers(messageID) contains readerID.
func (t *Tracker) Seed(room chat.RoomName, messageID, readerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[messageID] = room
	t.addReaderLocked(messageID, readerID)
}

// Register makes message ids returned by a store query known to the tracker.
// Ids already known keep their original room.
func (t *Tracker) Register(room chat.RoomName, messageIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range messageIDs {
		if _, ok := t.rooms[id]; !ok {
			t.rooms[id] = room
		}
	}
}

// RoomOf returns the room of a known message.
func (t *Tracker) RoomOf(messageID string) (chat.RoomName, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[messageID]
	return room, ok
}

// MarkRead adds identityID to the message's reader set and resets the
// identity's unread counter for room to zero.
//
// Precondition: messageID must be known and belong to room.
// Postcondition: returns changed=true only when the reader set grew. Returns an
// error wrapping chat.ErrUnknownMessage without touching any state otherwise.
func (t *Tracker) MarkRead(identityID string, room chat.RoomName, messageID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	known, ok := t.rooms[messageID]
	if !ok || known != room {
		return false, fmt.Errorf("message %q in room %q: %w", messageID, room, chat.ErrUnknownMessage)
	}
	changed := t.addReaderLocked(messageID, identityID)
	delete(t.unread, unreadKey{identityID: identityID, room: room})
	return changed, nil
}

// Increment adds one to the unread counter of each identity for room.
func (t *Tracker) Increment(room chat.RoomName, identityIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range identityIDs {
		t.unread[unreadKey{identityID: id, room: room}]++
	}
}

// Unread returns the unread counter for (identityID, room); zero if never set.
func (t *Tracker) Unread(identityID string, room chat.RoomName) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread[unreadKey{identityID: identityID, room: room}]
}

// Readers returns the sorted identity ids that have read messageID.
func (t *Tracker) Readers(messageID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.readers[messageID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) addReaderLocked(messageID, identityID string) bool {
	set, ok := t.readers[messageID]
	if !ok {
		set = make(map[string]struct{})
		t.readers[messageID] = set
	}
	if _, seen := set[identityID]; seen {
		return false
	}
	set[identityID] = struct{}{}
	return true
}
