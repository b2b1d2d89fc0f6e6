package store

import (
	"context"
	"os"
	"testing"
)

func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("ROOMCHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROOMCHAT_TEST_DATABASE_URL not set")
	}

	runConformance(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			t.Fatalf("NewPostgresStore() error = %v", err)
		}
		_, err = s.pool.Exec(ctx, `TRUNCATE read_markers, messages, room_participants, rooms RESTART IDENTITY CASCADE`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
