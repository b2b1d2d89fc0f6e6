package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/mattn/go-sqlite3"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// SQLiteStore handles SQLite database operations. The pool is limited to one
// connection, so writes are serialized by the database handle itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/roomchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/roomchat.db"
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := otelsql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000",
		otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemSqlite))

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (participant_a, participant_b)
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		UNIQUE (room_id, username)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS read_markers (
		room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		last_read_message_id INTEGER,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (room_id, username)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, id);
	CREATE INDEX IF NOT EXISTS idx_room_participants_username ON room_participants(username);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage checks the room and inserts in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, roomID int32, sender, body string) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, err
	}
	defer tx.Rollback()

	if err := roomExists(ctx, tx, roomID); err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		RoomID:    roomID,
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (room_id, sender, body, created_at)
		VALUES (?, ?, ?, ?)
	`, roomID, sender, body, msg.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return chat.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func roomExists(ctx context.Context, tx *sql.Tx, roomID int32) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrRoomNotFound
	}
	return err
}

// ListMessages returns a room's messages in ascending id order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID int32) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender, body, created_at
		FROM messages WHERE room_id = ?
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
func (s *SQLiteStore) CountMessagesAfter(ctx context.Context, roomID int32, after *int64, excludeSender string) (int64, error) {
	var afterArg sql.NullInt64
	if after != nil {
		afterArg = sql.NullInt64{Int64: *after, Valid: true}
	}

	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = ?
		  AND (? IS NULL OR id > ?)
		  AND (? = '' OR sender <> ?)
	`, roomID, afterArg, afterArg, excludeSender, excludeSender).Scan(&n)
	return n, err
}

// MaxMessageID returns the newest message id in a room, or nil.
func (s *SQLiteStore) MaxMessageID(ctx context.Context, roomID int32) (*int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM messages WHERE room_id = ?`, roomID).Scan(&id)
	if err != nil || !id.Valid {
		return nil, err
	}
	return &id.Int64, nil
}

// FindOrCreateRoom inserts the pair unless it exists and returns the room.
func (s *SQLiteStore) FindOrCreateRoom(ctx context.Context, pair chat.Pair) (chat.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Room{}, err
	}
	defer tx.Rollback()

	room := chat.Room{Pair: pair}
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM rooms WHERE participant_a = ? AND participant_b = ?
	`, pair[0], pair[1]).Scan(&room.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (participant_a, participant_b, created_at)
			VALUES (?, ?, ?)
		`, pair[0], pair[1], time.Now().UTC())
		if err != nil {
			return chat.Room{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return chat.Room{}, err
		}
		room.ID = int32(id)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_participants (room_id, username) VALUES (?, ?), (?, ?)
		`, room.ID, pair[0], room.ID, pair[1])
		if err != nil {
			return chat.Room{}, err
		}
	case err != nil:
		return chat.Room{}, err
	}

	members, err := participantsTx(ctx, tx, []int32{room.ID})
	if err != nil {
		return chat.Room{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Room{}, err
	}
	return groupParticipants([]chat.Room{room}, members)[0], nil
}

// GetRoom retrieves a room by id.
func (s *SQLiteStore) GetRoom(ctx context.Context, id int32) (chat.Room, error) {
	rooms, err := s.queryRooms(ctx, `
		SELECT id, participant_a, participant_b FROM rooms WHERE id = ?
	`, id)
	if err != nil {
		return chat.Room{}, err
	}
	if len(rooms) == 0 {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return rooms[0], nil
}

// ListRooms returns every room ordered by id.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]chat.Room, error) {
	return s.queryRooms(ctx, `
		SELECT id, participant_a, participant_b FROM rooms ORDER BY id
	`)
}

// ListRoomsForUser returns the rooms listing user as a participant.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, user string) ([]chat.Room, error) {
	return s.queryRooms(ctx, `
		SELECT r.id, r.participant_a, r.participant_b
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.username = ?
		ORDER BY r.id
	`, user)
}

func (s *SQLiteStore) queryRooms(ctx context.Context, query string, args ...any) ([]chat.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
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

	members, err := participantsTx(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	return groupParticipants(rooms, members), nil
}

func participantsTx(ctx context.Context, tx *sql.Tx, roomIDs []int32) (map[int32][]string, error) {
	members := make(map[int32][]string, len(roomIDs))
	for _, id := range roomIDs {
		rows, err := tx.QueryContext(ctx, `
			SELECT username FROM room_participants WHERE room_id = ? ORDER BY seq
		`, id)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var user string
			if err := rows.Scan(&user); err != nil {
				rows.Close()
				return nil, err
			}
			members[id] = append(members[id], user)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return members, nil
}

// AddParticipant records user as a member of the room if not already present.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID int32, user string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := roomExists(ctx, tx, roomID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_participants (room_id, username) VALUES (?, ?)
	`, roomID, user)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRoom removes a room and everything that references it.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id int32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM read_markers WHERE room_id = ?`,
		`DELETE FROM messages WHERE room_id = ?`,
		`DELETE FROM room_participants WHERE room_id = ?`,
		`DELETE FROM rooms WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertReadMarker creates or replaces the marker when the room exists.
func (s *SQLiteStore) UpsertReadMarker(ctx context.Context, roomID int32, user string, lastReadID *int64) (chat.ReadMarker, error) {
	marker := chat.ReadMarker{
		RoomID:    roomID,
		User:      user,
		UpdatedAt: time.Now().UTC(),
	}
	var idArg sql.NullInt64
	if lastReadID != nil {
		id := *lastReadID
		marker.LastReadMessageID = &id
		idArg = sql.NullInt64{Int64: id, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO read_markers (room_id, username, last_read_message_id, updated_at)
		SELECT ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM rooms WHERE id = ?)
		ON CONFLICT (room_id, username)
		DO UPDATE SET last_read_message_id = excluded.last_read_message_id,
		              updated_at = excluded.updated_at
	`, roomID, user, idArg, marker.UpdatedAt, roomID)
	if err != nil {
		return chat.ReadMarker{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return chat.ReadMarker{}, err
	}
	if n == 0 {
		return chat.ReadMarker{}, chat.ErrRoomNotFound
	}
	return marker, nil
}

// GetReadMarker returns the (room, user) marker and whether it exists.
func (s *SQLiteStore) GetReadMarker(ctx context.Context, roomID int32, user string) (chat.ReadMarker, bool, error) {
	marker := chat.ReadMarker{RoomID: roomID, User: user}
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_message_id, updated_at
		FROM read_markers WHERE room_id = ? AND username = ?
	`, roomID, user).Scan(&id, &marker.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.ReadMarker{}, false, nil
		}
		return chat.ReadMarker{}, false, err
	}
	if id.Valid {
		marker.LastReadMessageID = &id.Int64
	}
	return marker, true, nil
}
