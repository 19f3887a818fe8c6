package model

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pew-pew-pew/pew/internal/database"
)

const blogSchema = `
CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, created TEXT, modified TEXT);
CREATE TABLE posts (id INTEGER PRIMARY KEY AUTOINCREMENT, author_id INTEGER, title TEXT NOT NULL, rank INTEGER DEFAULT 0);
CREATE TABLE profiles (id INTEGER PRIMARY KEY AUTOINCREMENT, author_id INTEGER, bio TEXT);
`

func newBlog(t *testing.T) (*Registry, *database.Database) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(ctx, blogSchema, nil)
	require.NoError(t, err)

	reg := NewRegistry(db)
	reg.MustRegister(
		Definition{
			Name:       "authors",
			Timestamps: true,
			HasMany:    map[string]Relation{"posts": {OrderBy: []string{"rank ASC"}}},
			HasOne:     map[string]Relation{"profiles": {}},
		},
		Definition{Name: "posts", BelongsTo: map[string]Relation{"author": {}}},
		Definition{Name: "profiles", BelongsTo: map[string]Relation{"author": {}}},
	)
	require.NoError(t, reg.Validate())
	return reg, db
}

func mustModel(t *testing.T, reg *Registry, name string) *Model {
	t.Helper()
	m, err := reg.Get(name)
	require.NoError(t, err)
	return m
}

func TestRegistryDefaults(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(Definition{
		Name:      "authors",
		HasMany:   map[string]Relation{"posts": {}},
		BelongsTo: map[string]Relation{"publisher": {}},
	})
	m := mustModel(t, reg, "authors")
	def := m.Definition()

	assert.Equal(t, "authors", def.Table)
	assert.Equal(t, "id", def.PrimaryKey)
	assert.Equal(t, Relation{Model: "posts", ForeignKey: "author_id"}, def.HasMany["posts"])
	assert.Equal(t, Relation{Model: "publishers", ForeignKey: "publisher_id"}, def.BelongsTo["publisher"])

	err := reg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownModel))
	assert.Contains(t, err.Error(), "authors.posts -> posts")
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	reg := NewRegistry(nil)
	assert.ErrorIs(t, reg.Register(Definition{}), ErrInvalidModel)
	assert.ErrorIs(t, reg.Register(Definition{Name: "x", Table: "bad table"}), ErrInvalidModel)

	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestSaveInsertsAndUpdates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newBlog(t)
	authors := mustModel(t, reg, "authors")

	rec, err := authors.Save(ctx, database.Row{"name": "ada", "nickname": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Int("id"))
	assert.Equal(t, "ada", rec.String("name"))
	assert.NotEmpty(t, rec.String("created"))
	assert.NotEmpty(t, rec.String("modified"))
	assert.False(t, rec.Has("nickname"))

	rec.Set("name", "ada lovelace")
	require.NoError(t, rec.Save(ctx))
	assert.Equal(t, "ada lovelace", rec.String("name"))

	n, err := authors.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFindersAndScopes(t *testing.T) {
	ctx := context.Background()
	reg, _ := newBlog(t)
	posts := mustModel(t, reg, "posts")

	for i, title := range []string{"alpha", "beta", "gamma", "delta"} {
		_, err := posts.Save(ctx, database.Row{"title": title, "rank": i, "author_id": 1})
		require.NoError(t, err)
	}

	rec, err := posts.FindBy(ctx, "title", "gamma")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Int("rank"))

	_, err = posts.Find(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	scoped := posts.Where(database.Conditions{"rank": database.Gte(1)}).OrderBy("rank DESC").Limit(2)
	top, err := scoped.FindAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "delta", top[0].String("title"))
	assert.Equal(t, "gamma", top[1].String("title"))

	// the unscoped model is untouched by chaining
	all, err := posts.FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	count, err := scoped.Count(ctx, database.Conditions{"title": database.Like("%a")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	byAuthor, err := posts.FindAllBy(ctx, "author_id", 1)
	require.NoError(t, err)
	assert.Len(t, byAuthor, 4)
}

func TestCountWithGroupBy(t *testing.T) {
	ctx := context.Background()
	reg, _ := newBlog(t)
	posts := mustModel(t, reg, "posts")

	for i, author := range []int{1, 1, 1, 2} {
		_, err := posts.Save(ctx, database.Row{"title": "post", "rank": i, "author_id": author})
		require.NoError(t, err)
	}

	grouped := posts.GroupBy("author_id")
	rows, err := grouped.FindAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	n, err := grouped.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), n)
}

func TestLazyRelationships(t *testing.T) {
	ctx := context.Background()
	reg, _ := newBlog(t)
	authors := mustModel(t, reg, "authors")
	posts := mustModel(t, reg, "posts")
	profiles := mustModel(t, reg, "profiles")

	ada, err := authors.Save(ctx, database.Row{"name": "ada"})
	require.NoError(t, err)
	_, err = posts.Save(ctx, database.Row{"title": "second", "rank": 2, "author_id": ada.ID()})
	require.NoError(t, err)
	first, err := posts.Save(ctx, database.Row{"title": "first", "rank": 1, "author_id": ada.ID()})
	require.NoError(t, err)
	orphan, err := posts.Save(ctx, database.Row{"title": "orphan"})
	require.NoError(t, err)

	assert.False(t, ada.Loaded("posts"))
	list, err := ada.Many(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].String("title"))
	assert.True(t, ada.Loaded("posts"))

	profile, err := ada.One(ctx, "profiles")
	require.NoError(t, err)
	assert.Nil(t, profile)

	author, err := first.One(ctx, "author")
	require.NoError(t, err)
	require.NotNil(t, author)
	assert.Equal(t, "ada", author.String("name"))

	none, err := orphan.One(ctx, "author")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = profiles.Save(ctx, database.Row{"author_id": ada.ID(), "bio": "mathematician"})
	require.NoError(t, err)
	fresh, err := authors.Find(ctx, ada.ID())
	require.NoError(t, err)
	profile, err = fresh.One(ctx, "profiles")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "mathematician", profile.String("bio"))

	_, err = ada.Get(ctx, "comments")
	assert.ErrorIs(t, err, ErrUnknownField)

	raw, err := json.Marshal(ada)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "posts")
	assert.Equal(t, "ada", decoded["name"])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	reg, _ := newBlog(t)
	posts := mustModel(t, reg, "posts")

	rec, err := posts.Save(ctx, database.Row{"title": "doomed"})
	require.NoError(t, err)
	require.NoError(t, rec.Delete(ctx))
	assert.ErrorIs(t, posts.Delete(ctx, rec.ID()), ErrNotFound)
	assert.ErrorIs(t, posts.New(database.Row{"title": "draft"}).Delete(ctx), ErrNotFound)

	_, err = posts.DeleteAll(ctx, nil)
	assert.ErrorIs(t, err, database.ErrUnsafeStatement)
}

func TestWithDBUsesTransaction(t *testing.T) {
	ctx := context.Background()
	reg, db := newBlog(t)
	posts := mustModel(t, reg, "posts")

	err := db.Transaction(ctx, func(tx *database.Database) error {
		if _, err := posts.WithDB(tx).Save(ctx, database.Row{"title": "rolled back"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	n, err := posts.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFindUsesTaggedQuery(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer sqlDB.Close()

	reg := NewRegistry(database.New(sqlDB, "postgres"))
	reg.MustRegister(Definition{Name: "users"})
	users := mustModel(t, reg, "users")

	mock.ExpectQuery(`SELECT * FROM "users" WHERE "id" = $1 LIMIT 1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).AddRow(7, "root"))

	rec, err := users.Find(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "root", rec.String("username"))
	assert.Equal(t, "7", rec.IDString())
	require.NoError(t, mock.ExpectationsWereMet())
}
