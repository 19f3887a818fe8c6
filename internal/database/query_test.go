package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T, driver string) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, driver), mock
}

func TestQueryBuildFullChain(t *testing.T) {
	d, _ := newMock(t, "sqlite")

	sql, tags, err := d.Select("posts").
		Fields("id", "title").
		Where(Conditions{"status": "published"}).
		GroupBy("author_id").
		Having(Conditions{"id": Gt(3)}).
		OrderBy("created desc", "id").
		Limit(10).
		Offset(20).
		Build()
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "id", "title" FROM "posts" WHERE "status" = :where_status GROUP BY "author_id" HAVING "id" > :having_id ORDER BY "created" DESC, "id" LIMIT 10 OFFSET 20`,
		sql)
	assert.Equal(t, map[string]any{"where_status": "published", "having_id": 3}, tags)
}

func TestQueryOffsetWithoutLimit(t *testing.T) {
	sqlite, _ := newMock(t, "sqlite")
	sql, _, err := sqlite.Select("posts").Offset(5).Build()
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "posts" LIMIT -1 OFFSET 5`, sql)

	pg, _ := newMock(t, "postgres")
	sql, _, err = pg.Select("posts").Offset(5).Build()
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "posts" OFFSET 5`, sql)
}

func TestQueryRejectsBadOrder(t *testing.T) {
	d, _ := newMock(t, "sqlite")
	_, _, err := d.Select("posts").OrderBy("id; DELETE FROM posts").Build()
	assert.True(t, errors.Is(err, ErrInvalidIdentifier))
}

func TestQueryWhereMergesAndCloneIsolates(t *testing.T) {
	d, _ := newMock(t, "sqlite")
	base := d.Select("posts").Where(Conditions{"status": "published"})
	narrowed := base.Clone().Where(Conditions{"author_id": 2})

	baseSQL, _, err := base.Build()
	require.NoError(t, err)
	narrowSQL, _, err := narrowed.Build()
	require.NoError(t, err)

	assert.Equal(t, `SELECT * FROM "posts" WHERE "status" = :where_status`, baseSQL)
	assert.Equal(t, `SELECT * FROM "posts" WHERE "author_id" = :where_author_id AND "status" = :where_status`, narrowSQL)
}

func TestQueryAllBindsPostgresPlaceholders(t *testing.T) {
	d, mock := newMock(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "posts" WHERE "author_id" = $1 AND "status" IN ($2, $3)`)).
		WithArgs(7, "draft", "published").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).
			AddRow(int64(1), []byte("First")).
			AddRow(int64(2), "Second"))

	rows, err := d.Select("posts").
		Where(Conditions{"author_id": 7, "status": In("draft", "published")}).
		All(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "First", rows[0]["title"], "byte slices are normalised to strings")
	assert.Equal(t, int64(2), rows[1]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryOneNotFound(t *testing.T) {
	d, mock := newMock(t, "sqlite")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "posts" WHERE "id" = ? LIMIT 1`)).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := d.Select("posts").Where(Conditions{"id": 99}).One(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCountIgnoresOrderAndLimit(t *testing.T) {
	d, mock := newMock(t, "sqlite")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) AS count FROM "posts" WHERE "status" = ?`)).
		WithArgs("published").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := d.Select("posts").
		Where(Conditions{"status": "published"}).
		OrderBy("id").
		Limit(2).
		Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCountWithGroupByCountsGroups(t *testing.T) {
	d, mock := newMock(t, "sqlite")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) AS count FROM (SELECT COUNT(*) AS count FROM "posts" WHERE "status" = ? GROUP BY "author_id" HAVING "author_id" > ?) AS grouped`)).
		WithArgs("published", 0).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := d.Select("posts").
		Where(Conditions{"status": "published"}).
		GroupBy("author_id").
		Having(Conditions{"author_id": Gt(0)}).
		Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
