package broker_test

import (
	"context"
	"strings"
	"sync"

	"github.com/cory-johannsen/parley/internal/chat"
)

// memStore is an in-memory MessageStore with injectable failures.
type memStore struct {
	mu          sync.Mutex
	msgs        []chat.Message
	appendErr   error
	latestErr   error
	latestCalls int

	appendGate *gate
	latestGate *gate
}

// gate parks callers until released.
type gate struct {
	entered chan struct{}
	hold    chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), hold: make(chan struct{})}
}

func (g *gate) wait() {
	if g == nil {
		return
	}
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.hold
}

func (g *gate) release() { g.once.Do(func() { close(g.hold) }) }

func (s *memStore) Append(_ context.Context, msg chat.Message) error {
	s.mu.Lock()
	g := s.appendGate
	s.mu.Unlock()
	g.wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memStore) roomLocked(room chat.RoomName) []chat.Message {
	var out []chat.Message
	for _, m := range s.msgs {
		if m.Room == room {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) QueryByRoom(_ context.Context, room chat.RoomName, offset, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.roomLocked(room)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]chat.Message(nil), all[offset:end]...), nil
}

func (s *memStore) Latest(_ context.Context, room chat.RoomName, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	g := s.latestGate
	s.mu.Unlock()
	g.wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalls++
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	all := s.roomLocked(room)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]chat.Message(nil), all...), nil
}

func (s *memStore) QueryByText(_ context.Context, room chat.RoomName, pattern string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.roomLocked(room) {
		if strings.Contains(strings.ToLower(m.Body), strings.ToLower(pattern)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) setAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// holdAppends parks subsequent appends. entered receives once an append is
// parked; release lets every parked append finish.
func (s *memStore) holdAppends() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendGate = newGate()
	return s.appendGate.entered, s.appendGate.release
}

// holdLatest parks subsequent history loads before they read.
func (s *memStore) holdLatest() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestGate = newGate()
	return s.latestGate.entered, s.latestGate.release
}

// ids returns the stored message ids of room in append order.
func (s *memStore) ids(room chat.RoomName) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.roomLocked(room) {
		out = append(out, m.ID)
	}
	return out
}
