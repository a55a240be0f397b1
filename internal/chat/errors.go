package chat

import "errors"

// Sentinel errors shared by every component of the messaging core.
// Callers wrap them with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrAuth is the parent of every identity resolution failure.
	ErrAuth = errors.New("authentication failed")
	// ErrNotInRoom is returned when an operation needs a room membership the connection lacks.
	ErrNotInRoom = errors.New("connection is not subscribed to room")
	// ErrPersistenceFailed is returned when the message store rejected a send.
	ErrPersistenceFailed = errors.New("message persistence failed")
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrDuplicateRoom is returned by the room directory for an existing name.
	ErrDuplicateRoom = errors.New("room already exists")
	// ErrUnknownConnection is returned for operations on a closed or unregistered connection.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnknownMessage is returned when a message id was never accepted by the store.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrMessageRejected is returned when a message filter refused a body.
	ErrMessageRejected = errors.New("message rejected by filter")
	// ErrEmptyMessage is returned for a send with neither body nor attachment.
	ErrEmptyMessage = errors.New("message has no body or attachment")
	// ErrInvalidRecipient is returned for a private message whose parties cannot name a direct room.
	ErrInvalidRecipient = errors.New("invalid private message recipient")
	// ErrInvalidRoomName is returned by ParseRoomName.
	ErrInvalidRoomName = errors.New("invalid room name")
)
