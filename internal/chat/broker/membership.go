package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/session"
)

// Join subscribes connID to name and replays the room's latest messages.
//
// Precondition: name was validated by chat.ParseRoomName. Direct rooms cannot be joined.
// Postcondition: connID is subscribed to name. On the first join every other
// subscriber receives user_joined. Every call pushes message_history to the
// joiner ahead of any live room event and returns the same messages in
// ascending order; a message in it is not delivered again as receive_message.
// If the store fails the membership is kept, the held live events are still
// delivered and an error wrapping ErrHistoryUnavailable is returned.
func (b *Broker) Join(ctx context.Context, connID string, name chat.RoomName) ([]chat.Message, error) {
	var history []chat.Message
	err := b.withConn(connID, func(conn *session.Connection) error {
		if name.IsDirect() {
			return fmt.Errorf("room %s is a direct room: %w", name, chat.ErrNotInRoom)
		}
		r := b.enter(conn, name)

		msgs, err := b.store.Latest(ctx, name, b.cfg.HistoryLimit)
		if err != nil {
			b.logger.Warn("loading room history",
				zap.String("conn_id", conn.ID),
				zap.String("room", name.String()),
				zap.Error(err),
			)
			b.replay(conn, r, nil, false)
			return fmt.Errorf("room %s: %w: %v", name, ErrHistoryUnavailable, err)
		}
		if msgs == nil {
			msgs = []chat.Message{}
		}
		b.replay(conn, r, msgs, true)
		history = msgs
		return nil
	})
	return history, err
}

// enter subscribes conn to name with its replay window open and announces a
// new member.
func (b *Broker) enter(conn *session.Connection, name chat.RoomName) *room {
	for {
		r := b.roomFor(name)
		r.emitMu.Lock()
		added, ok := r.add(conn)
		if !ok {
			r.emitMu.Unlock()
			continue
		}
		if added {
			b.emitLocked(r, chat.Presence(chat.EventUserJoined, conn.Identity, name), conn.ID, nil)
			b.logger.Debug("joined room",
				zap.String("conn_id", conn.ID),
				zap.String("room", name.String()),
			)
		}
		r.emitMu.Unlock()
		return r
	}
}

// replay closes conn's replay window: it pushes message_history when loaded
// is set, then the live events held while the store was queried.
func (b *Broker) replay(conn *session.Connection, r *room, msgs []chat.Message, loaded bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	held := r.finishReplay(conn.ID, msgs)
	if loaded {
		b.tracker.Register(r.name, messageIDs(msgs)...)
		b.push(conn, chat.Event{
			Type: chat.EventMessageHistory,
			Data: chat.HistoryPayload{Room: r.name, Messages: msgs},
		})
	}
	for _, evt := range held {
		b.push(conn, evt)
	}
}

// Leave unsubscribes connID from name.
//
// Postcondition: connID is not subscribed to name. If it was, a pending typing
// flag is cleared with typing_stop and the remaining subscribers receive
// user_left; a cleared flag is then followed by the global typing_users.
// Leaving a room that was never joined is a no-op.
func (b *Broker) Leave(_ context.Context, connID string, name chat.RoomName) error {
	return b.withConn(connID, func(conn *session.Connection) error {
		typing := conn.IsTyping(name)
		r, removed := b.unsubscribe(conn, name)
		if !removed {
			return nil
		}
		if typing {
			b.emit(r, chat.Presence(chat.EventTypingStop, conn.Identity, name), "", nil)
		}
		b.emit(r, chat.Presence(chat.EventUserLeft, conn.Identity, name), "", nil)
		if typing {
			b.broadcastTypingUsers()
		}
		return nil
	})
}

// SetTyping broadcasts typing_start or typing_stop to the other subscribers of
// name, then the global typing_users list to every connection.
//
// Postcondition: returns an error wrapping chat.ErrNotInRoom when connID is not
// subscribed. Redundant calls broadcast again.
func (b *Broker) SetTyping(_ context.Context, connID string, name chat.RoomName, typing bool) error {
	return b.withConn(connID, func(conn *session.Connection) error {
		if !conn.InRoom(name) {
			return fmt.Errorf("room %s: %w", name, chat.ErrNotInRoom)
		}
		conn.SetTyping(name, typing)
		evtType := chat.EventTypingStop
		if typing {
			evtType = chat.EventTypingStart
		}
		b.emit(b.roomFor(name), chat.Presence(evtType, conn.Identity, name), conn.ID, nil)
		b.broadcastTypingUsers()
		return nil
	})
}

func messageIDs(msgs []chat.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
