package chat

// EventType names an outbound frame.
type EventType string

// Outbound event types.
const (
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventReceiveMessage  EventType = "receive_message"
	EventTypingStart     EventType = "typing_start"
	EventTypingStop      EventType = "typing_stop"
	EventReadReceipt     EventType = "read_receipt"
	EventMessageReaction EventType = "message_reaction"
	EventMessageHistory  EventType = "message_history"
	EventUserList        EventType = "user_list"
	EventTypingUsers     EventType = "typing_users"
	EventPrivateMessage  EventType = "private_message"
	EventMessages        EventType = "messages"
	EventUnread          EventType = "unread"
	EventAck             EventType = "ack"
	EventError           EventType = "error"
)

// Event is a single outbound frame. Data must not be mutated after the event is pushed.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// PresencePayload carries user_joined, user_left, typing_start and typing_stop.
type PresencePayload struct {
	Identity Identity `json:"identity"`
	Room     RoomName `json:"room"`
}

// HistoryPayload carries message_history and query results.
type HistoryPayload struct {
	Room     RoomName  `json:"room"`
	Messages []Message `json:"messages"`
}

// ReceiptPayload carries read_receipt.
type ReceiptPayload struct {
	MessageID string   `json:"message_id"`
	Room      RoomName `json:"room"`
	Identity  Identity `json:"identity"`
}

// ReactionPayload carries message_reaction.
type ReactionPayload struct {
	MessageID string   `json:"message_id"`
	Room      RoomName `json:"room"`
	Identity  Identity `json:"identity"`
	Reaction  string   `json:"reaction"`
}

// UnreadPayload answers get_unread.
type UnreadPayload struct {
	Room  RoomName `json:"room"`
	Count int      `json:"count"`
}

// AckPayload answers send_message and private_message.
type AckPayload struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload carries a per-operation failure.
type ErrorPayload struct {
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

// Presence builds a presence event of the given type.
func Presence(t EventType, who Identity, room RoomName) Event {
	return Event{Type: t, Data: PresencePayload{Identity: who, Room: room}}
}

// MessageEvent wraps msg as receive_message, or private_message when msg is private.
func MessageEvent(msg Message) Event {
	if msg.IsPrivate {
		return Event{Type: EventPrivateMessage, Data: msg}
	}
	return Event{Type: EventReceiveMessage, Data: msg}
}

// UserList builds the global user_list event.
func UserList(online []Identity) Event {
	if online == nil {
		online = []Identity{}
	}
	return Event{Type: EventUserList, Data: online}
}

// TypingUsers builds the global typing_users event.
func TypingUsers(typing []Identity) Event {
	if typing == nil {
		typing = []Identity{}
	}
	return Event{Type: EventTypingUsers, Data: typing}
}
