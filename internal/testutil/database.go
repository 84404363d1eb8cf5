package testutil

import (
	"testing"

	"catalyst-go/internal/database"
	"catalyst-go/internal/database/migrations"
	"catalyst-go/internal/queue"
)

// NewTestDatabase creates a new in-memory SQLite database with schema applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()
	return NewTestDatabaseWithQueue(t, nil)
}

// NewTestDatabaseWithQueue is NewTestDatabase admitting work through q.
func NewTestDatabaseWithQueue(t *testing.T, q *queue.Queue) *database.SQLiteDatabase {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := migrations.MigrateUp(sqlDB); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	db := database.NewSQLiteDatabaseFromDB(sqlDB, q)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
