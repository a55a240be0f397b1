package broker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/broker"
	"github.com/cory-johannsen/parley/internal/chat/delivery"
	"github.com/cory-johannsen/parley/internal/chat/reaction"
	"github.com/cory-johannsen/parley/internal/chat/session"
)

func receivedBodies(conn *session.Connection) []string {
	var out []string
	for _, evt := range ofType(drain(conn), chat.EventReceiveMessage) {
		out = append(out, evt.Data.(chat.Message).Body)
	}
	return out
}

func TestConcurrentSends_RoomOrderIsShared(t *testing.T) {
	b := newBroker(t, &memStore{}, nil)
	const senders, perSender = 5, 40

	conns := make([]*session.Connection, senders)
	for i := range conns {
		conns[i] = connect(t, b, chat.Identity{ID: fmt.Sprintf("u%d", i)})
		join(t, b, conns[i], general)
	}
	drainAll(conns...)

	var wg sync.WaitGroup
	wg.Add(senders)
	for i, conn := range conns {
		go func(i int, conn *session.Connection) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := b.Send(context.Background(), conn.ID, general, fmt.Sprintf("%d-%03d", i, j), nil)
				assert.NoError(t, err)
			}
		}(i, conn)
	}
	wg.Wait()

	reference := receivedBodies(conns[0])
	require.Len(t, reference, senders*perSender)
	for _, conn := range conns[1:] {
		assert.Equal(t, reference, receivedBodies(conn), "every subscriber sees the same room order")
	}

	last := make(map[byte]string)
	for _, body := range reference {
		sender := body[0]
		assert.Greater(t, body, last[sender], "per-connection send order preserved")
		last[sender] = body
	}

	for i, conn := range conns {
		unread, err := b.Unread(context.Background(), conn.ID, general)
		require.NoError(t, err)
		assert.Equal(t, (senders-1)*perSender, unread, "sender %d", i)
	}
}

func TestConcurrentJoinLeaveDisconnect_NoRace(t *testing.T) {
	b := newBroker(t, &memStore{}, nil)
	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			conn, err := b.Connect(chat.Identity{ID: fmt.Sprintf("u%d", i)})
			if !assert.NoError(t, err) {
				return
			}
			go func() {
				for range conn.Outbox.Events() {
				}
			}()
			ctx := context.Background()
			_, _ = b.Join(ctx, conn.ID, general)
			_, _ = b.Send(ctx, conn.ID, general, "hello", nil)
			_ = b.SetTyping(ctx, conn.ID, general, true)
			if i%2 == 0 {
				_ = b.Leave(ctx, conn.ID, general)
			}
			b.Disconnect(conn.ID)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, b.Subscribers(general))
	assert.Empty(t, b.ListOnline())
}

// TestPropertyMembershipMatchesModel checks that subscriber sets and joined
// sets agree with a simple model after any sequence of joins and leaves.
func TestPropertyMembershipMatchesModel(t *testing.T) {
	rooms := []chat.RoomName{"general", "random", "tech"}
	rapid.Check(t, func(rt *rapid.T) {
		b := broker.New(broker.Config{OutboxSize: 4096}, session.NewManager(), &memStore{}, nil,
			delivery.NewTracker(), reaction.NewLedger(), nil, zap.NewNop())

		conns := make([]*session.Connection, 3)
		for i := range conns {
			conn, err := b.Connect(chat.Identity{ID: fmt.Sprintf("u%d", i)})
			if err != nil {
				rt.Fatalf("connect: %v", err)
			}
			conns[i] = conn
		}
		model := make(map[string]map[chat.RoomName]bool)
		for _, c := range conns {
			model[c.ID] = make(map[chat.RoomName]bool)
		}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			conn := rapid.SampledFrom(conns).Draw(rt, "conn")
			room := rapid.SampledFrom(rooms).Draw(rt, "room")
			if rapid.Bool().Draw(rt, "join") {
				if _, err := b.Join(context.Background(), conn.ID, room); err != nil {
					rt.Fatalf("join: %v", err)
				}
				model[conn.ID][room] = true
			} else {
				if err := b.Leave(context.Background(), conn.ID, room); err != nil {
					rt.Fatalf("leave: %v", err)
				}
				delete(model[conn.ID], room)
			}
		}

		for _, room := range rooms {
			subs := make(map[string]bool)
			for _, id := range b.Subscribers(room) {
				subs[id] = true
			}
			for _, c := range conns {
				if subs[c.ID] != model[c.ID][room] {
					rt.Fatalf("room %s conn %s: subscribed=%v model=%v", room, c.ID, subs[c.ID], model[c.ID][room])
				}
				if c.InRoom(room) != subs[c.ID] {
					rt.Fatalf("room %s conn %s: joined set disagrees with subscriber set", room, c.ID)
				}
			}
		}
	})
}
