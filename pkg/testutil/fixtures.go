// Package testutil provides shared fixtures for framework tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pew-pew-pew/pew/internal/auth"
	"github.com/pew-pew-pew/pew/internal/database"
	"github.com/pew-pew-pew/pew/internal/database/migrations"
	"github.com/pew-pew-pew/pew/internal/logging"
)

// NewDB opens an in-memory SQLite database with the framework migrations
// applied and closes it when the test ends.
func NewDB(t testing.TB) *database.Database {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: "file::memory:"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

// Exec runs statements against db, failing the test on the first error.
func Exec(t testing.TB, db *database.Database, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		if _, err := db.Exec(context.Background(), stmt, nil); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

// CreateUser inserts a user with a bcrypt hashed password and returns its id.
func CreateUser(t testing.TB, db *database.Database, username, password, role string) int64 {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	id, err := db.Insert(context.Background(), "users", database.Row{
		"username": username,
		"password": hash,
		"email":    username + "@example.com",
		"role":     role,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return id
}

// WriteFiles writes name -> content pairs below a fresh temporary directory
// and returns the directory.
func WriteFiles(t testing.TB, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

// Logger returns a logger that discards output.
func Logger() *logging.Logger {
	return logging.Discard()
}
