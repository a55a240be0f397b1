package broker

import (
	"context"
	"fmt"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/session"
)

// MarkRead records that connID's identity read messageID in name and resets
// the identity's unread counter for name.
//
// Precondition: connID is subscribed to name (or is a participant of a direct
// room) and messageID is a known message of name.
// Postcondition: the counter is zero. read_receipt is broadcast to the room
// only when the reader set actually grew.
func (b *Broker) MarkRead(_ context.Context, connID string, name chat.RoomName, messageID string) error {
	return b.withConn(connID, func(conn *session.Connection) error {
		if err := checkMember(conn, name); err != nil {
			return err
		}
		changed, err := b.tracker.MarkRead(conn.Identity.ID, name, messageID)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		evt := chat.Event{
			Type: chat.EventReadReceipt,
			Data: chat.ReceiptPayload{MessageID: messageID, Room: name, Identity: conn.Identity},
		}
		if name.IsDirect() {
			b.emitToParticipants(name, evt)
			return nil
		}
		b.emit(b.roomFor(name), evt, "", nil)
		return nil
	})
}

// React sets connID's identity's reaction to messageID and broadcasts
// message_reaction to the room. A later reaction replaces the earlier one.
func (b *Broker) React(_ context.Context, connID string, name chat.RoomName, messageID, symbol string) error {
	return b.withConn(connID, func(conn *session.Connection) error {
		if err := checkMember(conn, name); err != nil {
			return err
		}
		if room, ok := b.tracker.RoomOf(messageID); !ok || room != name {
			return fmt.Errorf("message %q in room %q: %w", messageID, name, chat.ErrUnknownMessage)
		}
		b.reactions.React(conn.Identity.ID, messageID, symbol)
		evt := chat.Event{
			Type: chat.EventMessageReaction,
			Data: chat.ReactionPayload{MessageID: messageID, Room: name, Identity: conn.Identity, Reaction: symbol},
		}
		if name.IsDirect() {
			b.emitToParticipants(name, evt)
			return nil
		}
		b.emit(b.roomFor(name), evt, "", nil)
		return nil
	})
}

// Unread returns the unread counter of connID's identity for name.
func (b *Broker) Unread(_ context.Context, connID string, name chat.RoomName) (int, error) {
	var n int
	err := b.withConn(connID, func(conn *session.Connection) error {
		n = b.tracker.Unread(conn.Identity.ID, name)
		return nil
	})
	return n, err
}

// Reactions returns the current reactions on messageID keyed by identity id.
func (b *Broker) Reactions(messageID string) map[string]string {
	return b.reactions.Reactions(messageID)
}

// Readers returns the identity ids that have read messageID.
func (b *Broker) Readers(messageID string) []string {
	return b.tracker.Readers(messageID)
}

// emitToParticipants delivers evt to every connection of both parties of a direct room.
func (b *Broker) emitToParticipants(name chat.RoomName, evt chat.Event) {
	lock := b.directLock(name)
	lock.Lock()
	defer lock.Unlock()
	for _, conn := range b.sessions.Connections() {
		if name.HasParticipant(conn.Identity.ID) {
			b.push(conn, evt)
		}
	}
}

// checkMember requires a room subscription, or participation in a direct room.
func checkMember(conn *session.Connection, name chat.RoomName) error {
	if name.IsDirect() {
		return checkReadable(conn, name)
	}
	if !conn.InRoom(name) {
		return fmt.Errorf("room %s: %w", name, chat.ErrNotInRoom)
	}
	return nil
}
