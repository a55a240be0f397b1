// Package directory owns the set of public rooms: their names, uniqueness,
// and the defaults seeded at startup.
package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Store persists room names.
type Store interface {
	List(ctx context.Context) ([]chat.RoomName, error)
	Create(ctx context.Context, name chat.RoomName, description string) error
	Ensure(ctx context.Context, name chat.RoomName, description string) (bool, error)
}

// Directory lists and creates public rooms.
type Directory struct {
	store  Store
	logger *zap.Logger
}

// New creates a Directory over store.
func New(store Store, logger *zap.Logger) *Directory {
	return &Directory{store: store, logger: logger}
}

// List returns every room name.
func (d *Directory) List(ctx context.Context) ([]chat.RoomName, error) {
	rooms, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []chat.RoomName{}
	}
	return rooms, nil
}

// Create validates raw and adds it as a room.
//
// Postcondition: returns chat.ErrInvalidRoomName for a malformed or reserved
// name, chat.ErrDuplicateRoom if it already exists.
func (d *Directory) Create(ctx context.Context, raw, description string) (chat.RoomName, error) {
	name, err := parsePublic(raw)
	if err != nil {
		return "", err
	}
	if err := d.store.Create(ctx, name, description); err != nil {
		return "", err
	}
	d.logger.Info("room created", zap.String("room", name.String()))
	return name, nil
}

// Seed ensures every seed room exists and returns how many were created.
func (d *Directory) Seed(ctx context.Context, seeds []Seed) (int, error) {
	created := 0
	for _, s := range seeds {
		name, err := parsePublic(s.Name)
		if err != nil {
			return created, fmt.Errorf("seeding room %q: %w", s.Name, err)
		}
		ok, err := d.store.Ensure(ctx, name, s.Description)
		if err != nil {
			return created, fmt.Errorf("seeding room %q: %w", name, err)
		}
		if ok {
			created++
		}
	}
	d.logger.Info("rooms seeded", zap.Int("created", created), zap.Int("total", len(seeds)))
	return created, nil
}

func parsePublic(raw string) (chat.RoomName, error) {
	name, err := chat.ParseRoomName(raw)
	if err != nil {
		return "", err
	}
	if name.IsDirect() {
		return "", fmt.Errorf("%w: reserved prefix", chat.ErrInvalidRoomName)
	}
	return name, nil
}
