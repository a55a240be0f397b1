package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/parley/internal/chat"
)

// SearchLimit caps the number of rows returned by QueryByText.
const SearchLimit = 100

const messageColumns = `id, room, sender_id, sender_name, body, attachment_filename, attachment_ref, is_private, created_at`

// MessageRepository is the PostgreSQL message store.
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a MessageRepository backed by the given pool.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append durably inserts msg.
//
// Precondition: msg.ID is a UUID.
func (r *MessageRepository) Append(ctx context.Context, msg chat.Message) error {
	var filename, ref *string
	if msg.Attachment != nil {
		filename, ref = &msg.Attachment.Filename, &msg.Attachment.BlobRef
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, string(msg.Room), msg.Sender.ID, msg.Sender.DisplayName, msg.Body,
		filename, ref, msg.IsPrivate, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// QueryByRoom returns a page of room's messages in ascending time order.
func (r *MessageRepository) QueryByRoom(ctx context.Context, room chat.RoomName, offset, limit int) ([]chat.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room = $1
		 ORDER BY created_at, seq
		 OFFSET $2 LIMIT $3`,
		string(room), offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return collectMessages(rows)
}

// Latest returns the last limit messages of room in ascending time order.
func (r *MessageRepository) Latest(ctx context.Context, room chat.RoomName, limit int) ([]chat.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT seq, `+messageColumns+` FROM messages
		     WHERE room = $1
		     ORDER BY created_at DESC, seq DESC
		     LIMIT $2
		 ) latest
		 ORDER BY created_at, seq`,
		string(room), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest messages: %w", err)
	}
	return collectMessages(rows)
}

// QueryByText returns up to SearchLimit messages of room whose body contains
// pattern, ignoring case. pattern is matched literally.
func (r *MessageRepository) QueryByText(ctx context.Context, room chat.RoomName, pattern string) ([]chat.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room = $1 AND body ILIKE '%' || $2 || '%' ESCAPE '\'
		 ORDER BY created_at, seq
		 LIMIT $3`,
		string(room), escapeLike(pattern), SearchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return collectMessages(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func collectMessages(rows pgx.Rows) ([]chat.Message, error) {
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		var (
			msg           chat.Message
			room          string
			filename, ref *string
		)
		if err := rows.Scan(&msg.ID, &room, &msg.Sender.ID, &msg.Sender.DisplayName, &msg.Body,
			&filename, &ref, &msg.IsPrivate, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Room = chat.RoomName(room)
		msg.Timestamp = msg.Timestamp.UTC()
		if filename != nil || ref != nil {
			msg.Attachment = &chat.Attachment{}
			if filename != nil {
				msg.Attachment.Filename = *filename
			}
			if ref != nil {
				msg.Attachment.BlobRef = *ref
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return out, nil
}
