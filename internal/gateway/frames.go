package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/broker"
)

// Inbound frame types.
const (
	opJoinRoom       = "join_room"
	opLeaveRoom      = "leave_room"
	opSendMessage    = "send_message"
	opTyping         = "typing"
	opReadMessage    = "read_message"
	opReactMessage   = "react_message"
	opFetchMessages  = "fetch_messages"
	opSearchMessages = "search_messages"
	opGetUnread      = "get_unread"
	opPrivateMessage = "private_message"
	opListUsers      = "list_users"
)

// inboundFrame is a client request. RequestID, when set, is echoed on the reply.
type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type roomRequest struct {
	Room string `json:"room"`
}

type sendRequest struct {
	Room       string           `json:"room"`
	Body       string           `json:"body"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
}

type typingRequest struct {
	Room   string `json:"room"`
	Typing bool   `json:"typing"`
}

type readRequest struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id"`
}

type reactRequest struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

type fetchRequest struct {
	Room   string `json:"room"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type searchRequest struct {
	Room  string `json:"room"`
	Query string `json:"query"`
}

type privateRequest struct {
	To         string           `json:"to"`
	Body       string           `json:"body"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
}

// errMalformed marks a payload that could not be decoded.
var errMalformed = errors.New("malformed payload")

// publicErrors are the failures whose text is safe to show a client.
var publicErrors = []error{
	chat.ErrNotInRoom,
	chat.ErrPersistenceFailed,
	chat.ErrUnknownConnection,
	chat.ErrUnknownMessage,
	chat.ErrMessageRejected,
	chat.ErrEmptyMessage,
	chat.ErrInvalidRoomName,
	chat.ErrInvalidRecipient,
	broker.ErrHistoryUnavailable,
	errMalformed,
}

// publicError maps err to a client-facing message without leaking internals.
func publicError(err error) string {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}

func errorEvent(op, requestID, msg string) chat.Event {
	return chat.Event{
		Type:      chat.EventError,
		RequestID: requestID,
		Data:      chat.ErrorPayload{Op: op, Message: msg},
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

// dispatch runs one inbound frame and enqueues its reply, if any.
func (cs *clientSession) dispatch(ctx context.Context, f inboundFrame) {
	var (
		reply chat.Event
		err   error
	)
	switch f.Type {
	case opJoinRoom:
		err = cs.join(ctx, f.Data)
	case opLeaveRoom:
		err = cs.leave(ctx, f.Data)
	case opSendMessage:
		reply = cs.send(ctx, f.Data)
	case opTyping:
		err = cs.typing(ctx, f.Data)
	case opReadMessage:
		err = cs.markRead(ctx, f.Data)
	case opReactMessage:
		err = cs.react(ctx, f.Data)
	case opFetchMessages:
		reply, err = cs.fetch(ctx, f.Data)
	case opSearchMessages:
		reply, err = cs.search(ctx, f.Data)
	case opGetUnread:
		reply, err = cs.unread(ctx, f.Data)
	case opPrivateMessage:
		reply = cs.sendPrivate(ctx, f.Data)
	case opListUsers:
		reply = chat.UserList(cs.server.broker.ListOnline())
	default:
		err = fmt.Errorf("%w: unknown frame type %q", errMalformed, f.Type)
	}

	if err != nil {
		level := cs.logger.Debug
		if publicError(err) == "internal error" {
			level = cs.logger.Warn
		}
		level("operation failed", zap.String("op", f.Type), zap.Error(err))
		cs.reply(errorEvent(f.Type, f.RequestID, publicError(err)))
		return
	}
	if reply.Type != "" {
		reply.RequestID = f.RequestID
		cs.reply(reply)
	}
}

func (cs *clientSession) join(ctx context.Context, data json.RawMessage) error {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return err
	}
	_, err = cs.server.broker.Join(ctx, cs.conn.ID, name)
	return err
}

func (cs *clientSession) leave(ctx context.Context, data json.RawMessage) error {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return err
	}
	return cs.server.broker.Leave(ctx, cs.conn.ID, name)
}

func ack(msg chat.Message, err error) chat.Event {
	if err != nil {
		return chat.Event{Type: chat.EventAck, Data: chat.AckPayload{Delivered: false, Error: publicError(err)}}
	}
	return chat.Event{Type: chat.EventAck, Data: chat.AckPayload{Delivered: true, MessageID: msg.ID}}
}

func (cs *clientSession) send(ctx context.Context, data json.RawMessage) chat.Event {
	var req sendRequest
	if err := decode(data, &req); err != nil {
		return ack(chat.Message{}, err)
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return ack(chat.Message{}, err)
	}
	msg, err := cs.server.broker.Send(ctx, cs.conn.ID, name, req.Body, req.Attachment)
	if err != nil {
		cs.logger.Debug("send failed", zap.String("room", name.String()), zap.Error(err))
	}
	return ack(msg, err)
}

func (cs *clientSession) sendPrivate(ctx context.Context, data json.RawMessage) chat.Event {
	var req privateRequest
	if err := decode(data, &req); err != nil {
		return ack(chat.Message{}, err)
	}
	msg, err := cs.server.broker.SendPrivate(ctx, cs.conn.ID, req.To, req.Body, req.Attachment)
	if err != nil {
		cs.logger.Debug("private send failed", zap.String("to", req.To), zap.Error(err))
	}
	return ack(msg, err)
}

// typing applies to one room, or to every joined room when room is empty.
func (cs *clientSession) typing(ctx context.Context, data json.RawMessage) error {
	var req typingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Room == "" {
		for _, name := range cs.conn.Rooms() {
			if err := cs.server.broker.SetTyping(ctx, cs.conn.ID, name, req.Typing); err != nil && !errors.Is(err, chat.ErrNotInRoom) {
				return err
			}
		}
		return nil
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return err
	}
	return cs.server.broker.SetTyping(ctx, cs.conn.ID, name, req.Typing)
}

func (cs *clientSession) markRead(ctx context.Context, data json.RawMessage) error {
	var req readRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return err
	}
	return cs.server.broker.MarkRead(ctx, cs.conn.ID, name, req.MessageID)
}

func (cs *clientSession) react(ctx context.Context, data json.RawMessage) error {
	var req reactRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return err
	}
	return cs.server.broker.React(ctx, cs.conn.ID, name, req.MessageID, req.Reaction)
}

func messagesEvent(name chat.RoomName, msgs []chat.Message) chat.Event {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return chat.Event{Type: chat.EventMessages, Data: chat.HistoryPayload{Room: name, Messages: msgs}}
}

func (cs *clientSession) fetch(ctx context.Context, data json.RawMessage) (chat.Event, error) {
	var req fetchRequest
	if err := decode(data, &req); err != nil {
		return chat.Event{}, err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return chat.Event{}, err
	}
	msgs, err := cs.server.broker.Fetch(ctx, cs.conn.ID, name, req.Offset, req.Limit)
	if err != nil {
		return chat.Event{}, err
	}
	return messagesEvent(name, msgs), nil
}

func (cs *clientSession) search(ctx context.Context, data json.RawMessage) (chat.Event, error) {
	var req searchRequest
	if err := decode(data, &req); err != nil {
		return chat.Event{}, err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return chat.Event{}, err
	}
	msgs, err := cs.server.broker.Search(ctx, cs.conn.ID, name, req.Query)
	if err != nil {
		return chat.Event{}, err
	}
	return messagesEvent(name, msgs), nil
}

func (cs *clientSession) unread(ctx context.Context, data json.RawMessage) (chat.Event, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return chat.Event{}, err
	}
	name, err := chat.ParseRoomName(req.Room)
	if err != nil {
		return chat.Event{}, err
	}
	n, err := cs.server.broker.Unread(ctx, cs.conn.ID, name)
	if err != nil {
		return chat.Event{}, err
	}
	return chat.Event{Type: chat.EventUnread, Data: chat.UnreadPayload{Room: name, Count: n}}, nil
}
