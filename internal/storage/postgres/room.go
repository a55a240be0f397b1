package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/parley/internal/chat"
)

// RoomRepository persists the room directory.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

// List returns every room name in creation order.
func (r *RoomRepository) List(ctx context.Context) ([]chat.RoomName, error) {
	rows, err := r.db.Query(ctx, `SELECT name FROM rooms ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	var out []chat.RoomName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		out = append(out, chat.RoomName(name))
	}
	return out, rows.Err()
}

// Create inserts a new room.
//
// Postcondition: returns an error wrapping chat.ErrDuplicateRoom if the name exists.
func (r *RoomRepository) Create(ctx context.Context, name chat.RoomName, description string) error {
	_, err := r.db.Exec(ctx, `INSERT INTO rooms (name, description) VALUES ($1, $2)`, string(name), description)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("room %q: %w", name, chat.ErrDuplicateRoom)
		}
		return fmt.Errorf("inserting room: %w", err)
	}
	return nil
}

// Ensure inserts the room if it does not exist and reports whether it was created.
func (r *RoomRepository) Ensure(ctx context.Context, name chat.RoomName, description string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO rooms (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		string(name), description)
	if err != nil {
		return false, fmt.Errorf("ensuring room: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RoomInfo is a directory entry with its message count.
type RoomInfo struct {
	Name        chat.RoomName
	Description string
	CreatedAt   time.Time
	Messages    int64
}

// Describe returns every room with its stored message count, in creation order.
func (r *RoomRepository) Describe(ctx context.Context) ([]RoomInfo, error) {
	rows, err := r.db.Query(ctx, `
		SELECT r.name, r.description, r.created_at, COUNT(m.seq)
		FROM rooms r
		LEFT JOIN messages m ON m.room = r.name
		GROUP BY r.name, r.description, r.created_at
		ORDER BY r.created_at, r.name`)
	if err != nil {
		return nil, fmt.Errorf("describing rooms: %w", err)
	}
	defer rows.Close()

	out := []RoomInfo{}
	for rows.Next() {
		var info RoomInfo
		var name string
		if err := rows.Scan(&name, &info.Description, &info.CreatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		info.Name = chat.RoomName(name)
		out = append(out, info)
	}
	return out, rows.Err()
}
