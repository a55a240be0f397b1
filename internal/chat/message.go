// Package chat holds the domain types shared by the messaging core.
package chat

import "time"

// Identity is the authenticated principal behind a connection.
// It is immutable for the lifetime of a connection.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Attachment is an opaque reference to a blob held outside the messaging core.
type Attachment struct {
	Filename string `json:"filename"`
	BlobRef  string `json:"blob_ref"`
}

// Message is a durable chat message. It is immutable once handed to the store.
type Message struct {
	ID         string      `json:"id"`
	Sender     Identity    `json:"sender"`
	Room       RoomName    `json:"room"`
	Body       string      `json:"body"`
	Timestamp  time.Time   `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
	IsPrivate  bool        `json:"is_private,omitempty"`
}
