// Package store provides the persistence layer behind the chat service: an
// in-memory store for development and tests, SQLite for single-node
// deployments and PostgreSQL for production.
package store

import (
	"context"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Store is a chat.Repository with connection management.
type Store interface {
	chat.Repository

	Ping(ctx context.Context) error
	Close() error
}

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open creates the store selected by driver. dsn is the database URL for
// postgres and the file path for sqlite; it is ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// groupParticipants attaches ordered participant lists to rooms.
func groupParticipants(rooms []chat.Room, members map[int32][]string) []chat.Room {
	for i := range rooms {
		rooms[i].Participants = members[rooms[i].ID]
		if rooms[i].Participants == nil {
			rooms[i].Participants = []string{rooms[i].Pair[0], rooms[i].Pair[1]}
		}
	}
	return rooms
}
