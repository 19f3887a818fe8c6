package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	kinds []string
}

func (o *recordingObserver) ObserveQuery(kind string, _ time.Duration, _ error) {
	o.kinds = append(o.kinds, kind)
}

func TestInsertUsesLastInsertID(t *testing.T) {
	d, mock := newMock(t, "sqlite")
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "posts" ("body", "title") VALUES (?, ?)`)).
		WithArgs("text", "Hello").
		WillReturnResult(sqlmock.NewResult(12, 1))

	id, err := d.Insert(context.Background(), "posts", Row{"title": "Hello", "body": "text"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReturningOnPostgres(t *testing.T) {
	d, mock := newMock(t, "postgres")
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "posts" ("title") VALUES ($1) RETURNING "post_id"`)).
		WithArgs("Hello").
		WillReturnRows(sqlmock.NewRows([]string{"post_id"}).AddRow(int64(3)))

	id, err := d.InsertWithKey(context.Background(), "posts", "post_id", Row{"title": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRejectsEmptyRow(t *testing.T) {
	d, _ := newMock(t, "sqlite")
	_, err := d.Insert(context.Background(), "posts", Row{})
	assert.True(t, errors.Is(err, ErrEmptyRow))
}

func TestUpdateSeparatesSetAndWhereTags(t *testing.T) {
	d, mock := newMock(t, "postgres")
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "posts" SET "status" = $1, "title" = $2 WHERE "id" = $3 AND "status" = $4`)).
		WithArgs("published", "New", 4, "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := d.Update(context.Background(), "posts",
		Row{"title": "New", "status": "published"},
		Conditions{"id": 4, "status": "draft"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAndDeleteRequireConditions(t *testing.T) {
	d, _ := newMock(t, "sqlite")
	_, err := d.Update(context.Background(), "posts", Row{"title": "x"}, nil)
	assert.True(t, errors.Is(err, ErrUnsafeStatement))

	_, err = d.Delete(context.Background(), "posts", Conditions{})
	assert.True(t, errors.Is(err, ErrUnsafeStatement))
}

func TestDelete(t *testing.T) {
	obs := &recordingObserver{}
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	d := New(db, "sqlite", WithObserver(obs))

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "comments" WHERE "post_id" = ?`)).
		WithArgs(8).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := d.Delete(context.Background(), "comments", Conditions{"post_id": 8})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []string{"delete"}, obs.kinds)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	d, mock := newMock(t, "sqlite")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "posts" ("title") VALUES (?)`)).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := d.Transaction(context.Background(), func(tx *Database) error {
		assert.True(t, tx.InTransaction())
		_, err := tx.Insert(context.Background(), "posts", Row{"title": "a"})
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = d.Transaction(context.Background(), func(tx *Database) error { return boom })
	assert.True(t, errors.Is(err, boom))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, d.InTransaction())
	assert.True(t, errors.Is(d.Commit(), ErrNoTransaction))
}

func TestBeginTwiceFails(t *testing.T) {
	d, mock := newMock(t, "sqlite")
	mock.ExpectBegin()
	tx, err := d.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.Begin(context.Background())
	assert.True(t, errors.Is(err, ErrTransactionActive))

	mock.ExpectRollback()
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestColumnsAreCached(t *testing.T) {
	d, mock := newMock(t, "sqlite")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name FROM pragma_table_info(?) ORDER BY cid`)).
		WithArgs("posts").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("id").AddRow("title"))

	cols, err := d.Columns(context.Background(), "posts")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, cols)

	cols, err = d.Columns(context.Background(), "posts")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, cols)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]string{"sqlite3": "sqlite", "postgres": "postgres", "mysql": "mysql"} {
		d, err := DialectFor(driver)
		require.NoError(t, err)
		assert.Equal(t, want, d.Name)
	}
	_, err := DialectFor("oracle")
	assert.True(t, errors.Is(err, ErrUnsupportedDriver))
}

func TestOpenSQLiteMemory(t *testing.T) {
	d, err := Open(context.Background(), Config{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exec(context.Background(), `CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT)`, nil)
	require.NoError(t, err)

	exists, err := d.TableExists(context.Background(), "notes")
	require.NoError(t, err)
	assert.True(t, exists)

	id, err := d.Insert(context.Background(), "notes", Row{"body": "remember the milk"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	row, err := d.Select("notes").Where(Conditions{"id": id}).One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", row["body"])
}
