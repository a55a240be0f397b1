// Package pebble provides an embedded message store backed by Pebble, used
// when no PostgreSQL database is configured.
package pebble

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/cory-johannsen/parley/internal/chat"
)

// SearchLimit caps the number of messages returned by QueryByText.
const SearchLimit = 100

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("message store closed")

// Store persists chat messages in a Pebble key-value database.
//
// Keys are laid out as m/<hex(room)>/<unixnano>-<seq>/<id>, so a forward
// iteration over a room prefix yields messages in append order.
type Store struct {
	db     *pebble.DB
	seq    atomic.Uint64
	closed atomic.Bool
}

// Open opens (creating if needed) a Pebble database at path.
//
// Precondition: path must be a writable directory location.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database. Subsequent calls are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func roomPrefix(room chat.RoomName) []byte {
	return []byte("m/" + hex.EncodeToString([]byte(room)) + "/")
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (s *Store) messageKey(msg chat.Message) []byte {
	seq := s.seq.Add(1)
	key := fmt.Sprintf("%020d-%06d/%s", msg.Timestamp.UnixNano(), seq, msg.ID)
	return append(roomPrefix(msg.Room), key...)
}

// Append durably writes msg.
//
// Postcondition: the message is synced to disk when nil is returned.
func (s *Store) Append(ctx context.Context, msg chat.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	if err := s.db.Set(s.messageKey(msg), data, pebble.Sync); err != nil {
		return fmt.Errorf("writing message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) iter(room chat.RoomName) (*pebble.Iterator, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	prefix := roomPrefix(room)
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
}

func decode(value []byte) (chat.Message, error) {
	var msg chat.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return chat.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// QueryByRoom returns up to limit messages of room, oldest first, skipping
// the first offset.
func (s *Store) QueryByRoom(ctx context.Context, room chat.RoomName, offset, limit int) ([]chat.Message, error) {
	it, err := s.iter(room)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []chat.Message{}
	skipped := 0
	for valid := it.First(); valid && len(out) < limit; valid = it.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		msg, err := decode(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, it.Error()
}

// Latest returns the newest limit messages of room in ascending order.
func (s *Store) Latest(ctx context.Context, room chat.RoomName, limit int) ([]chat.Message, error) {
	it, err := s.iter(room)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []chat.Message{}
	for valid := it.Last(); valid && len(out) < limit; valid = it.Prev() {
		msg, err := decode(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// QueryByText returns up to SearchLimit messages of room whose body contains
// pattern, compared case-insensitively, oldest first.
func (s *Store) QueryByText(ctx context.Context, room chat.RoomName, pattern string) ([]chat.Message, error) {
	it, err := s.iter(room)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	needle := []byte(strings.ToLower(pattern))
	out := []chat.Message{}
	for valid := it.First(); valid && len(out) < SearchLimit; valid = it.Next() {
		msg, err := decode(it.Value())
		if err != nil {
			return nil, err
		}
		if bytes.Contains([]byte(strings.ToLower(msg.Body)), needle) {
			out = append(out, msg)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, it.Error()
}
