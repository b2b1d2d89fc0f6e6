package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// makes sure the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS rooms (
		id SERIAL PRIMARY KEY,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (participant_a, participant_b)
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		seq BIGSERIAL PRIMARY KEY,
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		UNIQUE (room_id, username)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS read_markers (
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		last_read_message_id BIGINT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (room_id, username)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, id);
	CREATE INDEX IF NOT EXISTS idx_room_participants_username ON room_participants(username);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendMessage locks the room row for the duration of the insert, so a
// concurrent delete either waits or makes the append fail with
// chat.ErrRoomNotFound, and appends to one room commit in id order.
func (s *PostgresStore) AppendMessage(ctx context.Context, roomID int32, sender, body string) (chat.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Message{}, err
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM rooms WHERE id = $1 FOR NO KEY UPDATE`, roomID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, chat.ErrRoomNotFound
		}
		return chat.Message{}, err
	}

	msg := chat.Message{RoomID: roomID, Sender: sender, Body: body}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, roomID, sender, body).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// ListMessages returns a room's messages in ascending id order.
func (s *PostgresStore) ListMessages(ctx context.Context, roomID int32) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender, body, created_at
		FROM messages WHERE room_id = $1
		ORDER BY id ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessagesAfter counts messages newer than after, optionally skipping one
// sender.
func (s *PostgresStore) CountMessagesAfter(ctx context.Context, roomID int32, after *int64, excludeSender string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = $1
		  AND ($2::bigint IS NULL OR id > $2)
		  AND ($3::text = '' OR sender <> $3)
	`, roomID, after, excludeSender).Scan(&n)
	return n, err
}

// MaxMessageID returns the newest message id in a room, or nil.
func (s *PostgresStore) MaxMessageID(ctx context.Context, roomID int32) (*int64, error) {
	var id *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM messages WHERE room_id = $1`, roomID).Scan(&id)
	return id, err
}

// FindOrCreateRoom relies on the unique (participant_a, participant_b)
// constraint: concurrent callers race on the insert and the losers read the
// winner's row.
func (s *PostgresStore) FindOrCreateRoom(ctx context.Context, pair chat.Pair) (chat.Room, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Room{}, err
	}
	defer tx.Rollback(ctx)

	room := chat.Room{Pair: pair}
	err = tx.QueryRow(ctx, `
		INSERT INTO rooms (participant_a, participant_b)
		VALUES ($1, $2)
		ON CONFLICT (participant_a, participant_b) DO NOTHING
		RETURNING id
	`, pair[0], pair[1]).Scan(&room.ID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, `
			SELECT id FROM rooms WHERE participant_a = $1 AND participant_b = $2
		`, pair[0], pair[1]).Scan(&room.ID)
		if err != nil {
			return chat.Room{}, err
		}
	case err != nil:
		return chat.Room{}, err
	default:
		_, err = tx.Exec(ctx, `
			INSERT INTO room_participants (room_id, username)
			VALUES ($1, $2), ($1, $3)
			ON CONFLICT (room_id, username) DO NOTHING
		`, room.ID, pair[0], pair[1])
		if err != nil {
			return chat.Room{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Room{}, err
	}

	members, err := s.participants(ctx, []int32{room.ID})
	if err != nil {
		return chat.Room{}, err
	}
	return groupParticipants([]chat.Room{room}, members)[0], nil
}

// GetRoom retrieves a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, id int32) (chat.Room, error) {
	room := chat.Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, participant_a, participant_b FROM rooms WHERE id = $1
	`, id).Scan(&room.ID, &room.Pair[0], &room.Pair[1])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Room{}, chat.ErrRoomNotFound
		}
		return chat.Room{}, err
	}

	members, err := s.participants(ctx, []int32{id})
	if err != nil {
		return chat.Room{}, err
	}
	return groupParticipants([]chat.Room{room}, members)[0], nil
}

// ListRooms returns every room ordered by id.
func (s *PostgresStore) ListRooms(ctx context.Context) ([]chat.Room, error) {
	return s.queryRooms(ctx, `
		SELECT id, participant_a, participant_b FROM rooms ORDER BY id
	`)
}

// ListRoomsForUser returns the rooms listing user as a participant.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, user string) ([]chat.Room, error) {
	return s.queryRooms(ctx, `
		SELECT r.id, r.participant_a, r.participant_b
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.username = $1
		ORDER BY r.id
	`, user)
}

func (s *PostgresStore) queryRooms(ctx context.Context, query string, args ...any) ([]chat.Room, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	rooms := []chat.Room{}
	ids := []int32{}
	for rows.Next() {
		var r chat.Room
		if err := rows.Scan(&r.ID, &r.Pair[0], &r.Pair[1]); err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return rooms, nil
	}

	members, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	return groupParticipants(rooms, members), nil
}

func (s *PostgresStore) participants(ctx context.Context, roomIDs []int32) (map[int32][]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, username FROM room_participants
		WHERE room_id = ANY($1)
		ORDER BY seq
	`, roomIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make(map[int32][]string, len(roomIDs))
	for rows.Next() {
		var (
			id   int32
			user string
		)
		if err := rows.Scan(&id, &user); err != nil {
			return nil, err
		}
		members[id] = append(members[id], user)
	}
	return members, rows.Err()
}

// AddParticipant records user as a member of the room if not already present.
func (s *PostgresStore) AddParticipant(ctx context.Context, roomID int32, user string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO room_participants (room_id, username)
		SELECT $1::int, $2::text
		WHERE EXISTS (SELECT 1 FROM rooms WHERE id = $1)
		ON CONFLICT (room_id, username) DO NOTHING
	`, roomID, user)
	if err != nil {
		if isForeignKeyViolation(err) {
			return chat.ErrRoomNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRoom removes a room and everything that references it.
func (s *PostgresStore) DeleteRoom(ctx context.Context, id int32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM read_markers WHERE room_id = $1`,
		`DELETE FROM messages WHERE room_id = $1`,
		`DELETE FROM room_participants WHERE room_id = $1`,
		`DELETE FROM rooms WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpsertReadMarker creates or replaces the marker in a single statement that
// only inserts when the room exists.
func (s *PostgresStore) UpsertReadMarker(ctx context.Context, roomID int32, user string, lastReadID *int64) (chat.ReadMarker, error) {
	marker := chat.ReadMarker{RoomID: roomID, User: user}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO read_markers (room_id, username, last_read_message_id, updated_at)
		SELECT $1::int, $2::text, $3::bigint, NOW()
		WHERE EXISTS (SELECT 1 FROM rooms WHERE id = $1)
		ON CONFLICT (room_id, username)
		DO UPDATE SET last_read_message_id = EXCLUDED.last_read_message_id,
		              updated_at = EXCLUDED.updated_at
		RETURNING last_read_message_id, updated_at
	`, roomID, user, lastReadID).Scan(&marker.LastReadMessageID, &marker.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isForeignKeyViolation(err) {
			return chat.ReadMarker{}, chat.ErrRoomNotFound
		}
		return chat.ReadMarker{}, err
	}
	return marker, nil
}

// GetReadMarker returns the (room, user) marker and whether it exists.
func (s *PostgresStore) GetReadMarker(ctx context.Context, roomID int32, user string) (chat.ReadMarker, bool, error) {
	marker := chat.ReadMarker{RoomID: roomID, User: user}
	err := s.pool.QueryRow(ctx, `
		SELECT last_read_message_id, updated_at
		FROM read_markers WHERE room_id = $1 AND username = $2
	`, roomID, user).Scan(&marker.LastReadMessageID, &marker.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.ReadMarker{}, false, nil
		}
		return chat.ReadMarker{}, false, err
	}
	return marker, true, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
