package database

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	// modernc.org/sqlite registers itself as "sqlite", which sqlx does not
	// know about out of the box.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Dialect captures the per-database SQL differences the builder cares about.
type Dialect struct {
	Name string

	quote          string
	returning      bool
	offsetNoLimit  string
	columnsQuery   string
	tableExistsSQL string
}

var (
	// SQLite is the dialect for modernc.org/sqlite and mattn/go-sqlite3.
	SQLite = Dialect{
		Name:           "sqlite",
		quote:          `"`,
		offsetNoLimit:  "LIMIT -1",
		columnsQuery:   `SELECT name FROM pragma_table_info(:table) ORDER BY cid`,
		tableExistsSQL: `SELECT COUNT(*) AS count FROM sqlite_master WHERE type = 'table' AND name = :table`,
	}

	// Postgres is the dialect for lib/pq.
	Postgres = Dialect{
		Name:      "postgres",
		quote:     `"`,
		returning: true,
		columnsQuery: `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = :table
			ORDER BY ordinal_position`,
		tableExistsSQL: `SELECT COUNT(*) AS count FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = :table`,
	}

	// MySQL is available when the caller registers a MySQL driver.
	MySQL = Dialect{
		Name:          "mysql",
		quote:         "`",
		offsetNoLimit: "LIMIT 18446744073709551615",
		columnsQuery: `SELECT column_name FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = :table
			ORDER BY ordinal_position`,
		tableExistsSQL: `SELECT COUNT(*) AS count FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_name = :table`,
	}
)

// DialectFor maps a database/sql driver name onto a Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return Dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// ValidIdentifier reports whether name is a plain or table-qualified column name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Quote quotes a plain or table-qualified identifier.
func (d Dialect) Quote(name string) (string, error) {
	if name == "*" {
		return name, nil
	}
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.quote + p + d.quote
	}
	return strings.Join(parts, "."), nil
}
