package migrations

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pew-pew-pew/pew/internal/database"
)

func TestApplyExecutesPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pew_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT "version" FROM "pew_migrations"`).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "pew_migrations"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := Apply(context.Background(), database.New(db, "sqlite"))
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if len(applied) != 1 || applied[0] != "001_users" {
		t.Fatalf("unexpected applied list %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplySkipsRecordedMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pew_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT "version" FROM "pew_migrations"`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_users"))

	applied, err := Apply(context.Background(), database.New(db, "postgres"))
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListPerDialect(t *testing.T) {
	for _, dialect := range []string{"sqlite", "postgres"} {
		list, err := List(dialect)
		if err != nil {
			t.Fatalf("list %s: %v", dialect, err)
		}
		if len(list) == 0 {
			t.Fatalf("expected bundled migrations for %s", dialect)
		}
	}
	if _, err := List("oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestApplyOnSQLite(t *testing.T) {
	db, err := database.Open(context.Background(), database.Config{Driver: "sqlite", DSN: "file::memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := Apply(context.Background(), db); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	applied, err := Apply(context.Background(), db)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected second run to be a no-op, got %v", applied)
	}
	cols, err := db.Columns(context.Background(), "users")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if len(cols) != 7 {
		t.Fatalf("expected 7 user columns, got %v", cols)
	}
}
