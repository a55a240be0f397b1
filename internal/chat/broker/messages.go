package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/session"
)

// Send persists a message from connID to name and fans it out.
//
// Precondition: connID is subscribed to name.
// Postcondition: on success the message is durable, every connection
// subscribed when persistence succeeded (the sender included) receives
// receive_message, the sender is recorded as a reader, and every other member
// identity's unread counter for name grows by one. On any error nothing is
// fanned out and no counter changes.
func (b *Broker) Send(ctx context.Context, connID string, name chat.RoomName, body string, attachment *chat.Attachment) (chat.Message, error) {
	var sent chat.Message
	err := b.withConn(connID, func(conn *session.Connection) error {
		if !conn.InRoom(name) {
			return fmt.Errorf("room %s: %w", name, chat.ErrNotInRoom)
		}
		msg, err := b.compose(ctx, conn.Identity, name, body, attachment)
		if err != nil {
			b.metrics.MessageSent("room", "rejected")
			return err
		}
		if err := b.persist(ctx, msg); err != nil {
			b.metrics.MessageSent("room", "failed")
			return err
		}

		senderID := conn.Identity.ID
		b.emit(b.roomFor(name), chat.MessageEvent(msg), "", func(members []*session.Connection) {
			b.tracker.Seed(name, msg.ID, senderID)
			b.tracker.Increment(name, memberIdentities(members, senderID)...)
		})
		b.metrics.MessageSent("room", "ok")
		sent = msg
		return nil
	})
	return sent, err
}

// SendPrivate persists a private message from connID to the identity toID and
// delivers private_message to every connection of both parties.
//
// Precondition: neither party's id may contain the direct room separator.
// Postcondition: the message is stored in chat.DirectRoom(sender, toID) with
// IsPrivate set; the recipient's unread counter for that room grows by one.
// An invalid recipient fails with chat.ErrInvalidRecipient before anything is stored.
func (b *Broker) SendPrivate(ctx context.Context, connID, toID, body string, attachment *chat.Attachment) (chat.Message, error) {
	var sent chat.Message
	err := b.withConn(connID, func(conn *session.Connection) error {
		toID = strings.TrimSpace(toID)
		senderID := conn.Identity.ID
		if err := chat.ValidateParticipant(toID); err != nil {
			b.metrics.MessageSent("private", "rejected")
			return fmt.Errorf("private message recipient: %w", err)
		}
		if err := chat.ValidateParticipant(senderID); err != nil {
			b.metrics.MessageSent("private", "rejected")
			return fmt.Errorf("private message sender: %w", err)
		}
		name := chat.DirectRoom(senderID, toID)

		msg, err := b.compose(ctx, conn.Identity, name, body, attachment)
		if err != nil {
			b.metrics.MessageSent("private", "rejected")
			return err
		}
		msg.IsPrivate = true
		if err := b.persist(ctx, msg); err != nil {
			b.metrics.MessageSent("private", "failed")
			return err
		}

		lock := b.directLock(name)
		lock.Lock()
		b.tracker.Seed(name, msg.ID, senderID)
		if toID != senderID {
			b.tracker.Increment(name, toID)
		}
		evt := chat.MessageEvent(msg)
		targets := b.sessions.ConnectionsOf(senderID)
		if toID != senderID {
			targets = append(targets, b.sessions.ConnectionsOf(toID)...)
		}
		for _, target := range targets {
			b.push(target, evt)
		}
		lock.Unlock()

		b.metrics.MessageSent("private", "ok")
		sent = msg
		return nil
	})
	return sent, err
}

// Fetch returns a page of name's messages in ascending time order.
// A non-positive limit selects the default page size; limits above the maximum are clamped.
func (b *Broker) Fetch(ctx context.Context, connID string, name chat.RoomName, offset, limit int) ([]chat.Message, error) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = defaultFetchLimit
	case limit > maxFetchLimit:
		limit = maxFetchLimit
	}
	var page []chat.Message
	err := b.withConn(connID, func(conn *session.Connection) error {
		if err := checkReadable(conn, name); err != nil {
			return err
		}
		msgs, err := b.store.QueryByRoom(ctx, name, offset, limit)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", name, err)
		}
		b.tracker.Register(name, messageIDs(msgs)...)
		page = nonNil(msgs)
		return nil
	})
	return page, err
}

// Search returns name's messages whose body contains query, ignoring case.
// An empty query matches nothing.
func (b *Broker) Search(ctx context.Context, connID string, name chat.RoomName, query string) ([]chat.Message, error) {
	query = strings.TrimSpace(query)
	var found []chat.Message
	err := b.withConn(connID, func(conn *session.Connection) error {
		if err := checkReadable(conn, name); err != nil {
			return err
		}
		if query == "" {
			found = []chat.Message{}
			return nil
		}
		msgs, err := b.store.QueryByText(ctx, name, query)
		if err != nil {
			return fmt.Errorf("searching %s: %w", name, err)
		}
		b.tracker.Register(name, messageIDs(msgs)...)
		found = nonNil(msgs)
		return nil
	})
	return found, err
}

// compose validates and filters a draft and stamps it with an id and time.
func (b *Broker) compose(ctx context.Context, sender chat.Identity, name chat.RoomName, body string, attachment *chat.Attachment) (chat.Message, error) {
	if attachment != nil && attachment.Filename == "" && attachment.BlobRef == "" {
		attachment = nil
	}
	if strings.TrimSpace(body) == "" && attachment == nil {
		return chat.Message{}, fmt.Errorf("room %s: %w", name, chat.ErrEmptyMessage)
	}
	if b.filter != nil && body != "" {
		filtered, err := b.filter.Filter(ctx, name, sender, body)
		if err != nil {
			b.metrics.MessageFiltered()
			if !errors.Is(err, chat.ErrMessageRejected) {
				err = fmt.Errorf("%w: %v", chat.ErrMessageRejected, err)
			}
			return chat.Message{}, err
		}
		if strings.TrimSpace(filtered) == "" && attachment == nil {
			b.metrics.MessageFiltered()
			return chat.Message{}, fmt.Errorf("%w: body filtered to nothing", chat.ErrMessageRejected)
		}
		body = filtered
	}
	msg := chat.Message{
		ID:        b.newID(),
		Sender:    sender,
		Room:      name,
		Body:      body,
		Timestamp: b.now(),
	}
	if attachment != nil {
		a := *attachment
		msg.Attachment = &a
	}
	return msg, nil
}

// persist appends msg on a context detached from the caller's cancellation,
// bounded by the configured timeout.
func (b *Broker) persist(ctx context.Context, msg chat.Message) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	err := b.store.Append(pctx, msg)
	b.metrics.ObserveAppend(time.Since(start))
	if err != nil {
		b.logger.Error("persisting message",
			zap.String("message_id", msg.ID),
			zap.String("room", msg.Room.String()),
			zap.Error(err),
		)
		return fmt.Errorf("message %s: %w: %v", msg.ID, chat.ErrPersistenceFailed, err)
	}
	return nil
}

// checkReadable restricts direct rooms to their two participants.
func checkReadable(conn *session.Connection, name chat.RoomName) error {
	if name.IsDirect() && !name.HasParticipant(conn.Identity.ID) {
		return fmt.Errorf("room %s: %w", name, chat.ErrNotInRoom)
	}
	return nil
}

func nonNil(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return []chat.Message{}
	}
	return msgs
}
