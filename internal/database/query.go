package database

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var orderPattern = regexp.MustCompile(`(?i)^\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?)(?:\s+(ASC|DESC))?\s*$`)

// Query is a SELECT statement under construction. Every method returns the
// same query so calls chain; the first error is kept and reported when the
// statement is built.
type Query struct {
	db      *Database
	table   string
	fields  []string
	where   Conditions
	groupBy []string
	having  Conditions
	orderBy []string
	limit   int
	offset  int
}

// Select starts a query on table.
func (d *Database) Select(table string) *Query {
	return &Query{db: d, table: table}
}

// Clone returns an independent copy of the query.
func (q *Query) Clone() *Query {
	c := *q
	c.fields = append([]string(nil), q.fields...)
	c.groupBy = append([]string(nil), q.groupBy...)
	c.orderBy = append([]string(nil), q.orderBy...)
	c.where = mergeConditions(nil, q.where)
	c.having = mergeConditions(nil, q.having)
	return &c
}

// Fields restricts the selected columns. The default is *.
func (q *Query) Fields(fields ...string) *Query {
	q.fields = append(q.fields, fields...)
	return q
}

// Where adds conditions, ANDed with any set before. Repeated columns are
// overwritten.
func (q *Query) Where(c Conditions) *Query {
	q.where = mergeConditions(q.where, c)
	return q
}

// OrderBy appends "column [ASC|DESC]" clauses.
func (q *Query) OrderBy(clauses ...string) *Query {
	q.orderBy = append(q.orderBy, clauses...)
	return q
}

// GroupBy appends grouping columns.
func (q *Query) GroupBy(columns ...string) *Query {
	q.groupBy = append(q.groupBy, columns...)
	return q
}

// Having adds conditions on grouped rows.
func (q *Query) Having(c Conditions) *Query {
	q.having = mergeConditions(q.having, c)
	return q
}

// Limit caps the number of rows. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Build renders the statement and its tag map.
func (q *Query) Build() (string, map[string]any, error) {
	return q.build(false)
}

func (q *Query) build(count bool) (string, map[string]any, error) {
	d := q.db.dialect
	table, err := d.Quote(q.table)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if count {
		sb.WriteString("COUNT(*) AS count")
	} else if len(q.fields) == 0 {
		sb.WriteString("*")
	} else {
		cols := make([]string, len(q.fields))
		for i, f := range q.fields {
			if cols[i], err = d.Quote(f); err != nil {
				return "", nil, err
			}
		}
		sb.WriteString(strings.Join(cols, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(table)

	tags := make(map[string]any)
	if len(q.where) > 0 {
		clause, err := newTagger(d, "where", tags).group(q.where, "AND")
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			sb.WriteString(" WHERE ")
			sb.WriteString(clause)
		}
	}

	if len(q.groupBy) > 0 {
		cols := make([]string, len(q.groupBy))
		for i, c := range q.groupBy {
			if cols[i], err = d.Quote(c); err != nil {
				return "", nil, err
			}
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(cols, ", "))
	}

	if len(q.having) > 0 {
		clause, err := newTagger(d, "having", tags).group(q.having, "AND")
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			sb.WriteString(" HAVING ")
			sb.WriteString(clause)
		}
	}

	if count {
		if len(q.groupBy) > 0 {
			// a grouped COUNT yields one row per group; count the groups instead
			return "SELECT COUNT(*) AS count FROM (" + sb.String() + ") AS grouped", tags, nil
		}
		return sb.String(), tags, nil
	}

	if len(q.orderBy) > 0 {
		clauses := make([]string, len(q.orderBy))
		for i, o := range q.orderBy {
			m := orderPattern.FindStringSubmatch(o)
			if m == nil {
				return "", nil, fmt.Errorf("%w: order by %q", ErrInvalidIdentifier, o)
			}
			col, _ := d.Quote(m[1])
			if m[2] != "" {
				col += " " + strings.ToUpper(m[2])
			}
			clauses[i] = col
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(clauses, ", "))
	}

	switch {
	case q.limit > 0:
		sb.WriteString(" LIMIT " + strconv.Itoa(q.limit))
	case q.offset > 0 && d.offsetNoLimit != "":
		sb.WriteString(" " + d.offsetNoLimit)
	}
	if q.offset > 0 {
		sb.WriteString(" OFFSET " + strconv.Itoa(q.offset))
	}

	return sb.String(), tags, nil
}

// All runs the query and returns every row.
func (q *Query) All(ctx context.Context) ([]Row, error) {
	query, tags, err := q.Build()
	if err != nil {
		return nil, err
	}
	return q.db.Run(ctx, query, tags)
}

// One returns the first row, or ErrNotFound.
func (q *Query) One(ctx context.Context) (Row, error) {
	rows, err := q.Clone().Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Count returns the number of matching rows, ignoring order, limit and offset.
func (q *Query) Count(ctx context.Context) (int64, error) {
	query, tags, err := q.build(true)
	if err != nil {
		return 0, err
	}
	rows, err := q.db.Run(ctx, query, tags)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return ToInt64(rows[0]["count"])
}

func mergeConditions(dst, src Conditions) Conditions {
	if len(src) == 0 {
		return dst
	}
	out := make(Conditions, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ToInt64 converts the integer representations drivers return.
func ToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("database: cannot convert %T to int64", v)
	}
}
