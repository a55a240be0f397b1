// Package broker implements the room broker: room subscriber sets, history
// replay on join, persisted sends and the fan-out of room events to live
// connections.
package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/delivery"
	"github.com/cory-johannsen/parley/internal/chat/reaction"
	"github.com/cory-johannsen/parley/internal/chat/session"
	"github.com/cory-johannsen/parley/internal/observability"
)

// ErrHistoryUnavailable is returned by Join when the membership was recorded
// but the message history could not be loaded.
var ErrHistoryUnavailable = errors.New("message history unavailable")

// MessageStore is the durable message store consumed by the broker.
type MessageStore interface {
	// Append durably stores msg.
	Append(ctx context.Context, msg chat.Message) error
	// QueryByRoom returns messages of room in ascending time order.
	QueryByRoom(ctx context.Context, room chat.RoomName, offset, limit int) ([]chat.Message, error)
	// Latest returns the last limit messages of room in ascending time order.
	Latest(ctx context.Context, room chat.RoomName, limit int) ([]chat.Message, error)
	// QueryByText returns messages of room whose body contains pattern, case-insensitively.
	QueryByText(ctx context.Context, room chat.RoomName, pattern string) ([]chat.Message, error)
}

// MessageFilter may rewrite a body before it is persisted, or reject it with
// an error wrapping chat.ErrMessageRejected.
type MessageFilter interface {
	Filter(ctx context.Context, room chat.RoomName, sender chat.Identity, body string) (string, error)
}

// Config tunes the broker.
type Config struct {
	// HistoryLimit is the number of messages replayed on join.
	HistoryLimit int
	// PersistTimeout bounds a single store append.
	PersistTimeout time.Duration
	// OutboxSize is the per-connection event buffer.
	OutboxSize int
}

const (
	defaultHistoryLimit   = 50
	defaultPersistTimeout = 5 * time.Second
	defaultFetchLimit     = 20
	maxFetchLimit         = 100
	directLockStripes     = 64
)

// room holds the live subscriber set of one room. A room record exists only
// while it has subscribers; the last leave retires it.
type room struct {
	name chat.RoomName

	// emitMu serializes snapshot and push so every subscriber sees the
	// room's events in the order the broker accepted them.
	emitMu sync.Mutex

	mu          sync.Mutex
	retired     bool
	subscribers map[string]struct{} // connection ids
	// pending holds the live events of connections whose history replay is
	// in progress.
	pending map[string][]chat.Event
	// replayed holds, per connection, ids from its last history whose live
	// copy has not been emitted yet. At most one history page per member.
	replayed map[string]map[string]struct{}
}

func newRoom(name chat.RoomName) *room {
	return &room{
		name:        name,
		subscribers: make(map[string]struct{}),
		pending:     make(map[string][]chat.Event),
		replayed:    make(map[string]map[string]struct{}),
	}
}

// add subscribes conn and opens its replay window. ok is false when the
// record was retired and must not be used; added reports a new membership.
func (r *room) add(conn *session.Connection) (added, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false, false
	}
	r.pending[conn.ID] = nil
	if _, member := r.subscribers[conn.ID]; member {
		return false, true
	}
	r.subscribers[conn.ID] = struct{}{}
	conn.AddRoom(r.name)
	return true, true
}

// finishReplay closes connID's replay window. It returns the events held
// during the window minus messages already in history, and remembers the
// rest of the history ids so their live copies are suppressed later.
func (r *room) finishReplay(connID string, history []chat.Message) []chat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.pending[connID]
	delete(r.pending, connID)
	if _, member := r.subscribers[connID]; !member {
		return nil
	}

	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		seen[m.ID] = struct{}{}
	}
	out := make([]chat.Event, 0, len(held))
	for _, evt := range held {
		if id := liveMessageID(evt); id != "" {
			if _, dup := seen[id]; dup {
				delete(seen, id)
				continue
			}
		}
		out = append(out, evt)
	}
	if len(seen) > 0 {
		r.replayed[connID] = seen
	} else {
		delete(r.replayed, connID)
	}
	return out
}

// holdLocked reports whether evt must not be pushed to connID now, either
// because connID is replaying history (evt is queued) or because evt carries
// a message connID already received in its history.
//
// Precondition: r.mu is held.
func (r *room) holdLocked(connID string, evt chat.Event, msgID string) bool {
	if msgID != "" {
		if ids, ok := r.replayed[connID]; ok {
			if _, dup := ids[msgID]; dup {
				delete(ids, msgID)
				if len(ids) == 0 {
					delete(r.replayed, connID)
				}
				return true
			}
		}
	}
	if held, ok := r.pending[connID]; ok {
		r.pending[connID] = append(held, evt)
		return true
	}
	return false
}

func (r *room) isRetired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired
}

// liveMessageID returns the id of the message a receive_message event carries.
func liveMessageID(evt chat.Event) string {
	if evt.Type != chat.EventReceiveMessage {
		return ""
	}
	if msg, ok := evt.Data.(chat.Message); ok {
		return msg.ID
	}
	return ""
}

// Broker is the room broker. All methods are safe for concurrent use.
//
// Lock order: Connection op lock → roomsMu → room.emitMu → room.mu → tracker,
// ledger and registry locks. Direct rooms have no record; their events are
// ordered by a striped lock taken in place of room.emitMu. No lock is held
// across a store call.
type Broker struct {
	cfg       Config
	sessions  *session.Manager
	store     MessageStore
	filter    MessageFilter
	tracker   *delivery.Tracker
	reactions *reaction.Ledger
	metrics   *observability.Metrics
	logger    *zap.Logger

	roomsMu sync.Mutex
	rooms   map[chat.RoomName]*room

	directMu [directLockStripes]sync.Mutex

	// presenceMu orders user_list and typing_users broadcasts.
	presenceMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// New creates a Broker.
//
// Precondition: sessions, store, tracker, reactions and logger must be non-nil.
// filter and metrics may be nil.
func New(cfg Config, sessions *session.Manager, store MessageStore, filter MessageFilter,
	tracker *delivery.Tracker, reactions *reaction.Ledger, metrics *observability.Metrics, logger *zap.Logger) *Broker {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Broker{
		cfg:       cfg,
		sessions:  sessions,
		store:     store,
		filter:    filter,
		tracker:   tracker,
		reactions: reactions,
		metrics:   metrics,
		logger:    logger,
		rooms:     make(map[chat.RoomName]*room),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Connect registers a new connection for identity and broadcasts the updated
// user_list to every connection.
//
// Postcondition: the returned Connection is registered with an empty joined set.
func (b *Broker) Connect(identity chat.Identity) (*session.Connection, error) {
	id := b.newID()
	conn, err := b.sessions.Register(id, identity, session.NewOutbox(id, b.cfg.OutboxSize))
	if err != nil {
		return nil, err
	}
	b.metrics.ConnectionOpened()
	b.logger.Info("connection registered",
		zap.String("conn_id", id),
		zap.String("identity", identity.ID),
		zap.Int("online", b.sessions.Count()),
	)
	b.broadcastUserList()
	return conn, nil
}

// Disconnect tears a connection down: it leaves every room, is removed from
// the registry, and only then are typing_stop, user_left and user_list sent,
// followed by typing_users when the connection was typing.
//
// Postcondition: later operations on connID return chat.ErrUnknownConnection.
// Disconnecting an unknown connection is a no-op.
func (b *Broker) Disconnect(connID string) {
	conn, ok := b.sessions.Get(connID)
	if !ok {
		return
	}
	_ = conn.Do(func() error {
		type departure struct {
			room   *room
			typing bool
		}
		var gone []departure
		wasTyping := conn.TypingAnywhere()
		for _, name := range conn.Rooms() {
			typing := conn.IsTyping(name)
			if r, removed := b.unsubscribe(conn, name); removed {
				gone = append(gone, departure{room: r, typing: typing})
			}
		}
		b.sessions.Unregister(connID)
		b.metrics.ConnectionClosed()

		for _, d := range gone {
			if d.typing {
				b.emit(d.room, chat.Presence(chat.EventTypingStop, conn.Identity, d.room.name), "", nil)
			}
			b.emit(d.room, chat.Presence(chat.EventUserLeft, conn.Identity, d.room.name), "", nil)
		}
		b.logger.Info("connection unregistered",
			zap.String("conn_id", connID),
			zap.String("identity", conn.Identity.ID),
			zap.Int("rooms", len(gone)),
		)
		b.broadcastUserList()
		if wasTyping {
			b.broadcastTypingUsers()
		}
		return nil
	})
}

// ListOnline returns the identities currently connected, one entry each.
func (b *Broker) ListOnline() []chat.Identity {
	return b.sessions.ListOnline()
}

// Rooms returns the rooms connID has joined.
func (b *Broker) Rooms(connID string) []chat.RoomName {
	return b.sessions.Rooms(connID)
}

// Subscribers returns the connection ids subscribed to name.
func (b *Broker) Subscribers(name chat.RoomName) []string {
	r := b.lookupRoom(name)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		out = append(out, id)
	}
	return out
}

// withConn resolves connID and runs fn under its operation lock.
func (b *Broker) withConn(connID string, fn func(conn *session.Connection) error) error {
	conn, ok := b.sessions.Get(connID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, chat.ErrUnknownConnection)
	}
	return conn.Do(func() error { return fn(conn) })
}

// roomFor returns the live room record for name, creating it if needed.
func (b *Broker) roomFor(name chat.RoomName) *room {
	b.roomsMu.Lock()
	defer b.roomsMu.Unlock()
	if r, ok := b.rooms[name]; ok && !r.isRetired() {
		return r
	}
	r := newRoom(name)
	b.rooms[name] = r
	return r
}

func (b *Broker) lookupRoom(name chat.RoomName) *room {
	b.roomsMu.Lock()
	defer b.roomsMu.Unlock()
	return b.rooms[name]
}

// unsubscribe removes conn from name and reports whether it was a member.
// Removing the last subscriber retires the room record.
func (b *Broker) unsubscribe(conn *session.Connection, name chat.RoomName) (*room, bool) {
	r := b.lookupRoom(name)
	if r == nil {
		conn.RemoveRoom(name)
		return nil, false
	}
	r.mu.Lock()
	_, ok := r.subscribers[conn.ID]
	delete(r.subscribers, conn.ID)
	delete(r.pending, conn.ID)
	delete(r.replayed, conn.ID)
	conn.RemoveRoom(name)
	empty := len(r.subscribers) == 0
	if empty {
		r.retired = true
	}
	r.mu.Unlock()

	if empty {
		b.roomsMu.Lock()
		if b.rooms[name] == r {
			delete(b.rooms, name)
		}
		b.roomsMu.Unlock()
	}
	return r, ok
}

// directLock returns the lock that orders events of the direct room name.
func (b *Broker) directLock(name chat.RoomName) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &b.directMu[h.Sum32()%directLockStripes]
}

// emit fans evt out to the current subscribers of r except exclude.
// prepare, when set, runs on the same snapshot before any push.
func (b *Broker) emit(r *room, evt chat.Event, exclude string, prepare func(members []*session.Connection)) int {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return b.emitLocked(r, evt, exclude, prepare)
}

// emitLocked is emit for a caller already holding r.emitMu.
func (b *Broker) emitLocked(r *room, evt chat.Event, exclude string, prepare func(members []*session.Connection)) int {
	msgID := liveMessageID(evt)
	r.mu.Lock()
	ids := make([]string, 0, len(r.subscribers))
	held := make(map[string]bool)
	for id := range r.subscribers {
		ids = append(ids, id)
		if id != exclude && r.holdLocked(id, evt, msgID) {
			held[id] = true
		}
	}
	r.mu.Unlock()

	members := make([]*session.Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := b.sessions.Get(id); ok {
			members = append(members, conn)
		}
	}
	if prepare != nil {
		prepare(members)
	}

	delivered := 0
	for _, conn := range members {
		if conn.ID == exclude || held[conn.ID] {
			continue
		}
		if b.push(conn, evt) {
			delivered++
		}
	}
	return delivered
}

// push enqueues evt on conn's outbox without blocking.
func (b *Broker) push(conn *session.Connection, evt chat.Event) bool {
	if err := conn.Outbox.Push(evt); err != nil {
		b.metrics.EventDropped()
		b.logger.Warn("dropping event",
			zap.String("conn_id", conn.ID),
			zap.String("event", string(evt.Type)),
			zap.Error(err),
		)
		return false
	}
	b.metrics.EventDelivered(string(evt.Type))
	return true
}

// broadcastUserList pushes the global user_list to every connection.
func (b *Broker) broadcastUserList() {
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()
	evt := chat.UserList(b.sessions.ListOnline())
	for _, conn := range b.sessions.Connections() {
		b.push(conn, evt)
	}
}

// broadcastTypingUsers pushes the global typing_users list to every connection.
func (b *Broker) broadcastTypingUsers() {
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()
	evt := chat.TypingUsers(b.sessions.ListTyping())
	for _, conn := range b.sessions.Connections() {
		b.push(conn, evt)
	}
}

// memberIdentities returns the distinct identity ids of members other than exceptID.
func memberIdentities(members []*session.Connection, exceptID string) []string {
	seen := make(map[string]bool, len(members))
	var out []string
	for _, m := range members {
		id := m.Identity.ID
		if id == exceptID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
