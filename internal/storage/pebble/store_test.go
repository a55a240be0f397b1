package pebble

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/parley/internal/chat"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, room chat.RoomName, bodies ...string) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, body := range bodies {
		msg := chat.Message{
			ID:        fmt.Sprintf("%s-%d", room, i),
			Sender:    chat.Identity{ID: "1", DisplayName: "alice"},
			Room:      room,
			Body:      body,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.Append(context.Background(), msg))
	}
}

func bodies(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestQueryByRoom_Paging(t *testing.T) {
	s := openStore(t)
	seed(t, s, "general", "a", "b", "c", "d")
	seed(t, s, "tech", "x")

	got, err := s.QueryByRoom(context.Background(), "general", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, bodies(got))

	got, err = s.QueryByRoom(context.Background(), "general", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestQueryByRoom_PrefixIsolation(t *testing.T) {
	s := openStore(t)
	seed(t, s, "ab", "one")
	seed(t, s, "abc", "two")

	got, err := s.QueryByRoom(context.Background(), "ab", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, bodies(got))
}

func TestLatest(t *testing.T) {
	s := openStore(t)
	seed(t, s, "general", "a", "b", "c", "d")

	got, err := s.Latest(context.Background(), "general", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, bodies(got))

	got, err = s.Latest(context.Background(), "empty", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryByText(t *testing.T) {
	s := openStore(t)
	seed(t, s, "general", "Hello World", "goodbye", "say HELLO")

	got, err := s.QueryByText(context.Background(), "general", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello World", "say HELLO"}, bodies(got))
}

func TestAppend_PreservesAttachment(t *testing.T) {
	s := openStore(t)
	msg := chat.Message{
		ID:         "m1",
		Room:       "general",
		Body:       "file",
		Timestamp:  time.Now().UTC(),
		Attachment: &chat.Attachment{Filename: "cat.png", BlobRef: "blob://cat"},
	}
	require.NoError(t, s.Append(context.Background(), msg))

	got, err := s.Latest(context.Background(), "general", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Attachment)
	assert.Equal(t, "cat.png", got[0].Attachment.Filename)
	assert.True(t, msg.Timestamp.Equal(got[0].Timestamp))
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(context.Background(), chat.Message{ID: "x"}), ErrClosed)
	_, err = s.Latest(context.Background(), "general", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReopenKeepsMessages(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	seed(t, s, "general", "persisted")
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.QueryByRoom(context.Background(), "general", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, bodies(got))
}

// Property: Latest(n) is always the suffix of the full ascending listing.
func TestPropertyLatestIsSuffix(t *testing.T) {
	s := openStore(t)
	counter := 0
	rapid.Check(t, func(rt *rapid.T) {
		counter++
		room := chat.RoomName(fmt.Sprintf("r%d", counter))
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		limit := rapid.IntRange(1, 25).Draw(rt, "limit")
		base := time.Unix(1700000000, 0)
		for i := 0; i < n; i++ {
			err := s.Append(context.Background(), chat.Message{
				ID: fmt.Sprintf("%d", i), Room: room, Body: fmt.Sprintf("%d", i),
				Timestamp: base.Add(time.Duration(i)),
			})
			if err != nil {
				rt.Fatalf("append: %v", err)
			}
		}
		all, err := s.QueryByRoom(context.Background(), room, 0, n+1)
		if err != nil {
			rt.Fatalf("query: %v", err)
		}
		latest, err := s.Latest(context.Background(), room, limit)
		if err != nil {
			rt.Fatalf("latest: %v", err)
		}
		start := len(all) - limit
		if start < 0 {
			start = 0
		}
		assert.Equal(rt, bodies(all[start:]), bodies(latest))
	})
}
