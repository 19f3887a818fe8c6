// Package database is a thin SQL convenience layer: it assembles statements
// from column/value maps, binds values through named :tags and executes them
// with sqlx against SQLite, PostgreSQL or MySQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pew-pew-pew/pew/internal/logging"
)

var (
	ErrNotFound          = errors.New("database: record not found")
	ErrInvalidIdentifier = errors.New("database: invalid identifier")
	ErrInvalidCondition  = errors.New("database: invalid condition")
	ErrEmptyRow          = errors.New("database: no columns to write")
	ErrUnsafeStatement   = errors.New("database: update or delete without conditions")
	ErrNoTransaction     = errors.New("database: no transaction in progress")
	ErrTransactionActive = errors.New("database: transaction already in progress")
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

// Config describes a connection pool.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Observer receives one call per executed statement.
type Observer interface {
	ObserveQuery(kind string, duration time.Duration, err error)
}

// Option customises a Database.
type Option func(*Database)

// WithLogger sets the logger used for statement tracing.
func WithLogger(l *logging.Logger) Option {
	return func(d *Database) { d.log = l }
}

// WithObserver sets the statement observer, usually the metrics collector.
func WithObserver(o Observer) Option {
	return func(d *Database) { d.observer = o }
}

// Database executes statements on a pool or, after Begin, on a transaction.
type Database struct {
	db       *sqlx.DB
	tx       *sqlx.Tx
	ext      sqlx.ExtContext
	dialect  Dialect
	log      *logging.Logger
	observer Observer
	columns  *sync.Map // table -> []string, shared with transaction copies
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Database, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, fmt.Errorf("database driver and dsn are required")
	}
	if _, err := DialectFor(cfg.Driver); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	// Every connection to an in-memory SQLite database is a new database.
	if strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	return wrap(db, opts...), nil
}

// New wraps an existing handle. driver selects the dialect and placeholder
// style; it is how tests plug in sqlmock.
func New(db *sql.DB, driver string, opts ...Option) *Database {
	return wrap(sqlx.NewDb(db, driver), opts...)
}

func wrap(db *sqlx.DB, opts ...Option) *Database {
	dialect, err := DialectFor(db.DriverName())
	if err != nil {
		dialect = SQLite
	}
	d := &Database{
		db:      db,
		ext:     db,
		dialect: dialect,
		log:     logging.Discard(),
		columns: &sync.Map{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dialect returns the active SQL dialect.
func (d *Database) Dialect() Dialect {
	return d.dialect
}

// DB returns the underlying pool.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Ping verifies the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// BuildTags is BuildTags bound to this database's dialect.
func (d *Database) BuildTags(conditions Conditions, prefix string) (string, map[string]any, error) {
	return BuildTags(d.dialect, conditions, prefix)
}

// bind expands :tags into driver placeholders.
func (d *Database) bind(query string, tags map[string]any) (string, []any, error) {
	if len(tags) == 0 {
		return d.ext.Rebind(query), nil, nil
	}
	q, args, err := sqlx.Named(query, tags)
	if err != nil {
		return "", nil, fmt.Errorf("bind tags: %w", err)
	}
	return d.ext.Rebind(q), args, nil
}

func (d *Database) observe(kind, query string, start time.Time, err error) {
	elapsed := time.Since(start)
	if d.observer != nil {
		d.observer.ObserveQuery(kind, elapsed, err)
	}
	entry := d.log.WithField("sql", query).WithField("duration_ms", elapsed.Milliseconds())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		entry.WithError(err).Warn("Query failed")
		return
	}
	entry.Debug("Query")
}

// Run executes a statement that returns rows.
func (d *Database) Run(ctx context.Context, query string, tags map[string]any) ([]Row, error) {
	q, args, err := d.bind(query, tags)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := d.ext.QueryxContext(ctx, q, args...)
	if err != nil {
		d.observe("select", q, start, err)
		return nil, err
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			d.observe("select", q, start, err)
			return nil, err
		}
		result = append(result, normalize(row))
	}
	err = rows.Err()
	d.observe("select", q, start, err)
	return result, err
}

// Exec executes a statement that does not return rows.
func (d *Database) Exec(ctx context.Context, query string, tags map[string]any) (sql.Result, error) {
	q, args, err := d.bind(query, tags)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := d.ext.ExecContext(ctx, q, args...)
	d.observe(statementKind(q), q, start, err)
	return res, err
}

// Insert writes row into table and returns the generated "id".
func (d *Database) Insert(ctx context.Context, table string, row Row) (int64, error) {
	return d.InsertWithKey(ctx, table, "id", row)
}

// InsertWithKey writes row into table and returns the generated value of pk.
// When pk is empty or already present in row nothing is read back and the
// driver's LastInsertId (if any) is returned.
func (d *Database) InsertWithKey(ctx context.Context, table, pk string, row Row) (int64, error) {
	if len(row) == 0 {
		return 0, ErrEmptyRow
	}
	qtable, err := d.dialect.Quote(table)
	if err != nil {
		return 0, err
	}

	t := newTagger(d.dialect, "ins", nil)
	cols := sortedKeys(row)
	quotedCols := make([]string, len(cols))
	values := make([]string, len(cols))
	for i, c := range cols {
		if quotedCols[i], err = d.dialect.Quote(c); err != nil {
			return 0, err
		}
		values[i] = t.bind(c, row[c])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qtable, strings.Join(quotedCols, ", "), strings.Join(values, ", "))

	_, hasKey := row[pk]
	if d.dialect.returning && pk != "" && !hasKey {
		qpk, err := d.dialect.Quote(pk)
		if err != nil {
			return 0, err
		}
		q, args, err := d.bind(query+" RETURNING "+qpk, t.tags)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		var id int64
		err = d.ext.QueryRowxContext(ctx, q, args...).Scan(&id)
		d.observe("insert", q, start, err)
		return id, err
	}

	res, err := d.Exec(ctx, query, t.tags)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// Update sets row on every record of table matching where and returns the
// number of affected rows. Empty conditions are refused.
func (d *Database) Update(ctx context.Context, table string, row Row, where Conditions) (int64, error) {
	if len(row) == 0 {
		return 0, ErrEmptyRow
	}
	if len(where) == 0 {
		return 0, ErrUnsafeStatement
	}
	qtable, err := d.dialect.Quote(table)
	if err != nil {
		return 0, err
	}

	t := newTagger(d.dialect, "set", nil)
	cols := sortedKeys(row)
	sets := make([]string, len(cols))
	for i, c := range cols {
		qc, err := d.dialect.Quote(c)
		if err != nil {
			return 0, err
		}
		sets[i] = qc + " = " + t.bind(c, row[c])
	}

	clause, tags, err := d.whereClause(where, t.tags)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", qtable, strings.Join(sets, ", "), clause)
	res, err := d.Exec(ctx, query, tags)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes every record of table matching where. Empty conditions are
// refused.
func (d *Database) Delete(ctx context.Context, table string, where Conditions) (int64, error) {
	if len(where) == 0 {
		return 0, ErrUnsafeStatement
	}
	qtable, err := d.dialect.Quote(table)
	if err != nil {
		return 0, err
	}
	clause, tags, err := d.whereClause(where, nil)
	if err != nil {
		return 0, err
	}
	res, err := d.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", qtable, clause), tags)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *Database) whereClause(where Conditions, tags map[string]any) (string, map[string]any, error) {
	t := newTagger(d.dialect, "where", tags)
	clause, err := t.group(where, "AND")
	if err != nil {
		return "", nil, err
	}
	return clause, t.tags, nil
}

// normalize turns driver byte slices into strings so rows compare and
// serialize predictably.
func normalize(row map[string]any) Row {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return Row(row)
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func statementKind(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
