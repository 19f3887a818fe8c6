package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pew-pew-pew/pew/internal/database"
)

// Model is a table-bound finder. The scoping methods (Where, OrderBy,
// GroupBy, Limit, Offset) return copies, so a Model obtained from the
// registry can be shared.
type Model struct {
	reg *Registry
	db  *database.Database
	def Definition

	where   database.Conditions
	orderBy []string
	groupBy []string
	limit   int
	offset  int
}

// Name returns the registry name.
func (m *Model) Name() string { return m.def.Name }

// Table returns the bound table.
func (m *Model) Table() string { return m.def.Table }

// PrimaryKey returns the primary key column.
func (m *Model) PrimaryKey() string { return m.def.PrimaryKey }

// Definition returns the normalised definition.
func (m *Model) Definition() Definition { return m.def }

func (m *Model) clone() *Model {
	c := *m
	c.orderBy = append([]string(nil), m.orderBy...)
	c.groupBy = append([]string(nil), m.groupBy...)
	if m.where != nil {
		c.where = make(database.Conditions, len(m.where))
		for k, v := range m.where {
			c.where[k] = v
		}
	}
	return &c
}

// WithDB returns a copy of the model running on db, typically a transaction.
func (m *Model) WithDB(db *database.Database) *Model {
	c := m.clone()
	c.db = db
	return c
}

// Where returns a copy with extra conditions.
func (m *Model) Where(conditions database.Conditions) *Model {
	c := m.clone()
	if c.where == nil {
		c.where = make(database.Conditions, len(conditions))
	}
	for k, v := range conditions {
		c.where[k] = v
	}
	return c
}

// OrderBy returns a copy with extra sort clauses.
func (m *Model) OrderBy(clauses ...string) *Model {
	c := m.clone()
	c.orderBy = append(c.orderBy, clauses...)
	return c
}

// GroupBy returns a copy with extra grouping columns.
func (m *Model) GroupBy(columns ...string) *Model {
	c := m.clone()
	c.groupBy = append(c.groupBy, columns...)
	return c
}

// Limit returns a copy capped at n rows.
func (m *Model) Limit(n int) *Model {
	c := m.clone()
	c.limit = n
	return c
}

// Offset returns a copy skipping n rows.
func (m *Model) Offset(n int) *Model {
	c := m.clone()
	c.offset = n
	return c
}

func (m *Model) query(conditions database.Conditions) *database.Query {
	q := m.db.Select(m.def.Table).
		Where(m.where).
		Where(conditions).
		OrderBy(m.orderBy...).
		GroupBy(m.groupBy...).
		Limit(m.limit).
		Offset(m.offset)
	return q
}

// Fields lists the table's columns.
func (m *Model) Fields(ctx context.Context) ([]string, error) {
	return m.db.Columns(ctx, m.def.Table)
}

// New returns an unsaved record holding row.
func (m *Model) New(row database.Row) *Record {
	data := make(database.Row, len(row))
	for k, v := range row {
		data[k] = v
	}
	return &Record{model: m, data: data}
}

// Find returns the record whose primary key is id.
func (m *Model) Find(ctx context.Context, id any) (*Record, error) {
	return m.FindOne(ctx, database.Conditions{m.def.PrimaryKey: id})
}

// FindOne returns the first record matching conditions.
func (m *Model) FindOne(ctx context.Context, conditions database.Conditions) (*Record, error) {
	row, err := m.query(conditions).One(ctx)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", m.def.Name, ErrNotFound)
		}
		return nil, err
	}
	return &Record{model: m, data: row}, nil
}

// FindAll returns every record matching conditions within the model scope.
func (m *Model) FindAll(ctx context.Context, conditions database.Conditions) ([]*Record, error) {
	rows, err := m.query(conditions).All(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, len(rows))
	for i, row := range rows {
		records[i] = &Record{model: m, data: row}
	}
	return records, nil
}

// FindBy returns the first record whose field equals value.
func (m *Model) FindBy(ctx context.Context, field string, value any) (*Record, error) {
	return m.FindOne(ctx, database.Conditions{field: value})
}

// FindAllBy returns every record whose field equals value.
func (m *Model) FindAllBy(ctx context.Context, field string, value any) ([]*Record, error) {
	return m.FindAll(ctx, database.Conditions{field: value})
}

// Count returns the number of records matching conditions.
func (m *Model) Count(ctx context.Context, conditions database.Conditions) (int64, error) {
	return m.query(conditions).Count(ctx)
}

// Save inserts row when its primary key is empty and updates the existing
// record otherwise. Columns that do not exist in the table are dropped. The
// stored record is read back and returned.
func (m *Model) Save(ctx context.Context, row database.Row) (*Record, error) {
	columns, err := m.Fields(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}

	pk := m.def.PrimaryKey
	id, hasID := row[pk]
	if hasID && isEmptyKey(id) {
		hasID = false
	}

	data := make(database.Row, len(row))
	for k, v := range row {
		if k == pk || !known[k] {
			continue
		}
		data[k] = v
	}

	now := time.Now().UTC()
	if m.def.Timestamps {
		if known[m.def.ModifiedField] {
			data[m.def.ModifiedField] = now
		}
		if !hasID && known[m.def.CreatedField] {
			if _, set := data[m.def.CreatedField]; !set {
				data[m.def.CreatedField] = now
			}
		}
	}

	if hasID {
		if len(data) > 0 {
			if _, err := m.db.Update(ctx, m.def.Table, data, database.Conditions{pk: id}); err != nil {
				return nil, fmt.Errorf("update %s: %w", m.def.Name, err)
			}
		}
		return m.unscoped().Find(ctx, id)
	}

	newID, err := m.db.InsertWithKey(ctx, m.def.Table, pk, data)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", m.def.Name, err)
	}
	return m.unscoped().Find(ctx, newID)
}

// Delete removes the record whose primary key is id.
func (m *Model) Delete(ctx context.Context, id any) error {
	n, err := m.db.Delete(ctx, m.def.Table, database.Conditions{m.def.PrimaryKey: id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", m.def.Name, id, ErrNotFound)
	}
	return nil
}

// DeleteAll removes every record matching conditions.
func (m *Model) DeleteAll(ctx context.Context, conditions database.Conditions) (int64, error) {
	return m.db.Delete(ctx, m.def.Table, conditions)
}

func (m *Model) unscoped() *Model {
	return &Model{reg: m.reg, db: m.db, def: m.def}
}

// related returns the unscoped model named by rel on the same connection.
func (m *Model) related(name string) (*Model, error) {
	target, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	target.db = m.db
	return target, nil
}

func isEmptyKey(v any) bool {
	switch k := v.(type) {
	case nil:
		return true
	case string:
		return k == ""
	case int:
		return k == 0
	case int64:
		return k == 0
	}
	return false
}
