package chat_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/parley/internal/chat"
)

func TestParseRoomName_Valid(t *testing.T) {
	name, err := chat.ParseRoomName("  general  ")
	require.NoError(t, err)
	assert.Equal(t, chat.RoomName("general"), name)
}

func TestParseRoomName_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":   "",
		"blank":   "   ",
		"control": "gen\x07eral",
		"long":    strings.Repeat("x", chat.MaxRoomNameLength+1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := chat.ParseRoomName(raw)
			assert.True(t, errors.Is(err, chat.ErrInvalidRoomName))
		})
	}
}

func TestParseRoomName_MaxLengthInRunes(t *testing.T) {
	_, err := chat.ParseRoomName(strings.Repeat("é", chat.MaxRoomNameLength))
	assert.NoError(t, err)
}

func TestDirectRoom_Participants(t *testing.T) {
	room := chat.DirectRoom("bob", "alice")
	assert.Equal(t, chat.RoomName("dm:alice:bob"), room)
	assert.True(t, room.IsDirect())
	assert.True(t, room.HasParticipant("alice"))
	assert.True(t, room.HasParticipant("bob"))
	assert.False(t, room.HasParticipant("carol"))
	assert.False(t, chat.RoomName("general").HasParticipant("alice"))
}

func TestDirectRoom_MalformedNameHasNoParticipants(t *testing.T) {
	room := chat.RoomName("dm:12:9:7")
	assert.True(t, room.IsDirect())
	for _, id := range []string{"12", "9", "7", "9:7", "12:9"} {
		assert.False(t, room.HasParticipant(id), id)
	}
	assert.False(t, chat.RoomName("dm::7").HasParticipant(""))
}

func TestValidateParticipant(t *testing.T) {
	assert.NoError(t, chat.ValidateParticipant("0b6f2f8e-4a51-4b43-9c55-31e1d1f0a9a2"))
	for _, id := range []string{"", "  ", "12:9", ":"} {
		assert.True(t, errors.Is(chat.ValidateParticipant(id), chat.ErrInvalidRecipient), "%q", id)
	}
}

func TestPropertyDirectRoomSymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[a-z0-9-]{1,12}`).Draw(t, "a")
		b := rapid.StringMatching(`[a-z0-9-]{1,12}`).Draw(t, "b")
		room := chat.DirectRoom(a, b)
		if room != chat.DirectRoom(b, a) {
			t.Fatalf("DirectRoom(%q,%q) not symmetric", a, b)
		}
		if !room.HasParticipant(a) || !room.HasParticipant(b) {
			t.Fatalf("%s does not admit both %q and %q", room, a, b)
		}
	})
}

func TestMessageEvent_PrivateSelectsType(t *testing.T) {
	assert.Equal(t, chat.EventReceiveMessage, chat.MessageEvent(chat.Message{}).Type)
	assert.Equal(t, chat.EventPrivateMessage, chat.MessageEvent(chat.Message{IsPrivate: true}).Type)
}

func TestUserList_NeverNil(t *testing.T) {
	evt := chat.UserList(nil)
	assert.NotNil(t, evt.Data)
}
