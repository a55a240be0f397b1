package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/parley/internal/chat"
)

type memStore struct {
	mu    sync.Mutex
	names []chat.RoomName
	err   error
}

func (m *memStore) List(context.Context) ([]chat.RoomName, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]chat.RoomName(nil), m.names...), nil
}

func (m *memStore) has(name chat.RoomName) bool {
	for _, n := range m.names {
		if n == name {
			return true
		}
	}
	return false
}

func (m *memStore) Create(_ context.Context, name chat.RoomName, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.has(name) {
		return chat.ErrDuplicateRoom
	}
	m.names = append(m.names, name)
	return nil
}

func (m *memStore) Ensure(_ context.Context, name chat.RoomName, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.has(name) {
		return false, nil
	}
	m.names = append(m.names, name)
	return true, nil
}

func TestLoadSeedBytes(t *testing.T) {
	seeds, err := LoadSeedBytes([]byte(`
rooms:
  - name: general
    description: Anything goes
  - name: tech
`))
	require.NoError(t, err)
	assert.Equal(t, []Seed{{Name: "general", Description: "Anything goes"}, {Name: "tech"}}, seeds)

	_, err = LoadSeedBytes([]byte("rooms:\n  - description: nameless\n"))
	assert.Error(t, err)

	_, err = LoadSeedBytes([]byte("rooms: ["))
	assert.Error(t, err)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rooms:\n  - name: random\n"), 0o600))
	seeds, err := LoadSeedFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Seed{{Name: "random"}}, seeds)

	_, err = LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDirectory_Create(t *testing.T) {
	d := New(&memStore{}, zaptest.NewLogger(t))
	ctx := context.Background()

	name, err := d.Create(ctx, "  lobby ", "")
	require.NoError(t, err)
	assert.Equal(t, chat.RoomName("lobby"), name)

	_, err = d.Create(ctx, "lobby", "")
	assert.ErrorIs(t, err, chat.ErrDuplicateRoom)

	_, err = d.Create(ctx, "", "")
	assert.ErrorIs(t, err, chat.ErrInvalidRoomName)

	_, err = d.Create(ctx, "dm:1:2", "")
	assert.ErrorIs(t, err, chat.ErrInvalidRoomName)

	rooms, err := d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chat.RoomName{"lobby"}, rooms)
}

func TestDirectory_SeedIsIdempotent(t *testing.T) {
	store := &memStore{}
	d := New(store, zaptest.NewLogger(t))
	seeds := []Seed{{Name: "general"}, {Name: "random"}, {Name: "tech"}}

	created, err := d.Seed(context.Background(), seeds)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	created, err = d.Seed(context.Background(), seeds)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, store.names, 3)
}

func TestDirectory_SeedPropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	d := New(&memStore{err: boom}, zaptest.NewLogger(t))
	_, err := d.Seed(context.Background(), []Seed{{Name: "general"}})
	assert.ErrorIs(t, err, boom)

	_, err = d.List(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestDirectory_ListEmptyIsNotNil(t *testing.T) {
	rooms, err := New(&memStore{}, zaptest.NewLogger(t)).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, rooms)
}
