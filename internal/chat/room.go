package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxRoomNameLength is the longest room name accepted, in runes.
const MaxRoomNameLength = 64

const (
	directPrefix    = "dm:"
	directSeparator = ":"
)

// RoomName names a room. The broker treats it as opaque; uniqueness is owned by the directory.
type RoomName string

// String implements fmt.Stringer.
func (r RoomName) String() string { return string(r) }

// ParseRoomName validates raw and returns it as a RoomName.
//
// Precondition: none.
// Postcondition: on success the name is trimmed, non-empty, at most MaxRoomNameLength
// runes and contains no control characters.
func ParseRoomName(raw string) (RoomName, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomName)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidRoomName)
	}
	if n := utf8.RuneCountInString(name); n > MaxRoomNameLength {
		return "", fmt.Errorf("%w: %d runes exceeds %d", ErrInvalidRoomName, n, MaxRoomNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control character", ErrInvalidRoomName)
		}
	}
	return RoomName(name), nil
}

// ValidateParticipant checks that identityID can name one side of a direct room.
//
// Postcondition: returns an error wrapping ErrInvalidRecipient for a blank id
// or one containing the direct room separator.
func ValidateParticipant(identityID string) error {
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidRecipient)
	}
	if strings.Contains(identityID, directSeparator) {
		return fmt.Errorf("%w: identity %q contains %q", ErrInvalidRecipient, identityID, directSeparator)
	}
	return nil
}

// DirectRoom returns the room that holds private messages between two identities.
// The result does not depend on argument order.
//
// Precondition: both ids pass ValidateParticipant.
func DirectRoom(a, b string) RoomName {
	if b < a {
		a, b = b, a
	}
	return RoomName(directPrefix + a + directSeparator + b)
}

// IsDirect reports whether r was produced by DirectRoom.
func (r RoomName) IsDirect() bool {
	return strings.HasPrefix(string(r), directPrefix)
}

// HasParticipant reports whether identityID is one of the two parties of a direct room.
// A direct room name that does not split into exactly two ids has no participants.
func (r RoomName) HasParticipant(identityID string) bool {
	if !r.IsDirect() {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(string(r), directPrefix), directSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	return parts[0] == identityID || parts[1] == identityID
}
