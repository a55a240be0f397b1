package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Connection is one live transport session of an identity.
//
// Operations belonging to the same connection are serialized through Do.
// Room membership and typing state are guarded by an internal leaf lock so
// other goroutines may read them safely.
type Connection struct {
	// ID is the unique connection identifier.
	ID string
	// Identity is the authenticated principal; immutable for the connection lifetime.
	Identity chat.Identity
	// Outbox receives every event addressed to this connection.
	Outbox *Outbox

	seq  uint64
	opMu sync.Mutex

	mu     sync.Mutex
	closed bool
	joined map[chat.RoomName]struct{}
	typing map[chat.RoomName]bool
}

// Do runs fn while holding the connection's operation lock.
//
// Postcondition: returns chat.ErrUnknownConnection without calling fn if the
// connection has been unregistered; otherwise returns fn's error.
func (c *Connection) Do(fn func() error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Closed() {
		return fmt.Errorf("connection %s: %w", c.ID, chat.ErrUnknownConnection)
	}
	return fn()
}

// Closed reports whether the connection has been unregistered.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// InRoom reports whether room is in the joined set.
func (c *Connection) InRoom(room chat.RoomName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[room]
	return ok
}

// AddRoom inserts room into the joined set and reports whether it was absent.
func (c *Connection) AddRoom(room chat.RoomName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[room]; ok {
		return false
	}
	c.joined[room] = struct{}{}
	return true
}

// RemoveRoom deletes room from the joined set and its typing flag.
// It reports whether the room was present.
func (c *Connection) RemoveRoom(room chat.RoomName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[room]; !ok {
		return false
	}
	delete(c.joined, room)
	delete(c.typing, room)
	return true
}

// Rooms returns the joined rooms sorted by name.
func (c *Connection) Rooms() []chat.RoomName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedRooms(c.joined)
}

// SetTyping records the typing flag for room and reports whether it changed.
func (c *Connection) SetTyping(room chat.RoomName, typing bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typing[room] == typing {
		return false
	}
	if typing {
		c.typing[room] = true
	} else {
		delete(c.typing, room)
	}
	return true
}

// IsTyping reports the typing flag for room.
func (c *Connection) IsTyping(room chat.RoomName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[room]
}

// TypingAnywhere reports whether any room's typing flag is set.
func (c *Connection) TypingAnywhere() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.typing) > 0
}

// Manager is the connection registry. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	conns   map[string]*Connection // connection id → connection
	nextSeq uint64
}

// NewManager creates an empty connection registry.
func NewManager() *Manager {
	return &Manager{conns: make(map[string]*Connection)}
}

// Register adds a connection for identity.
//
// Precondition: id must be non-empty; outbox must be non-nil.
// Postcondition: Returns the new Connection with an empty joined set, or an
// error wrapping chat.ErrDuplicateConnection if id is already registered.
func (m *Manager) Register(id string, identity chat.Identity, outbox *Outbox) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[id]; exists {
		return nil, fmt.Errorf("connection %q: %w", id, chat.ErrDuplicateConnection)
	}
	m.nextSeq++
	conn := &Connection{
		ID:       id,
		Identity: identity,
		Outbox:   outbox,
		seq:      m.nextSeq,
		joined:   make(map[chat.RoomName]struct{}),
		typing:   make(map[chat.RoomName]bool),
	}
	m.conns[id] = conn
	return conn, nil
}

// Unregister removes the connection, marks it closed and closes its outbox.
//
// Postcondition: Returns the rooms the connection was still joined to (sorted).
// Unregistering an unknown id is a no-op returning nil.
func (m *Manager) Unregister(id string) []chat.RoomName {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	conn.mu.Lock()
	conn.closed = true
	rooms := sortedRooms(conn.joined)
	conn.joined = make(map[chat.RoomName]struct{})
	conn.typing = make(map[chat.RoomName]bool)
	conn.mu.Unlock()

	if conn.Outbox != nil {
		conn.Outbox.Close()
	}
	return rooms
}

// Get returns the connection registered under id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Rooms returns the joined rooms of connection id, or nil if unknown.
func (m *Manager) Rooms(id string) []chat.RoomName {
	conn, ok := m.Get(id)
	if !ok {
		return nil
	}
	return conn.Rooms()
}

// ListOnline returns one entry per registered identity, ordered by the
// registration of that identity's oldest live connection.
func (m *Manager) ListOnline() []chat.Identity {
	conns := m.snapshot()
	seen := make(map[string]bool, len(conns))
	out := make([]chat.Identity, 0, len(conns))
	for _, c := range conns {
		if seen[c.Identity.ID] {
			continue
		}
		seen[c.Identity.ID] = true
		out = append(out, c.Identity)
	}
	return out
}

// ListTyping returns one entry per identity with at least one connection
// typing in any room, in the same order as ListOnline.
func (m *Manager) ListTyping() []chat.Identity {
	conns := m.snapshot()
	seen := make(map[string]bool, len(conns))
	out := make([]chat.Identity, 0)
	for _, c := range conns {
		if seen[c.Identity.ID] || !c.TypingAnywhere() {
			continue
		}
		seen[c.Identity.ID] = true
		out = append(out, c.Identity)
	}
	return out
}

// ConnectionsOf returns every live connection of identityID in registration order.
func (m *Manager) ConnectionsOf(identityID string) []*Connection {
	var out []*Connection
	for _, c := range m.snapshot() {
		if c.Identity.ID == identityID {
			out = append(out, c)
		}
	}
	return out
}

// Connections returns every live connection in registration order.
func (m *Manager) Connections() []*Connection {
	return m.snapshot()
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })
	return conns
}

func sortedRooms(set map[chat.RoomName]struct{}) []chat.RoomName {
	rooms := make([]chat.RoomName, 0, len(set))
	for r := range set {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}
