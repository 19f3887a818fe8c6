package database

import (
	"context"
	"fmt"
)

// Columns lists the columns of table in declaration order. Results are
// cached for the lifetime of the pool.
func (d *Database) Columns(ctx context.Context, table string) ([]string, error) {
	if cached, ok := d.columns.Load(table); ok {
		return cached.([]string), nil
	}
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	rows, err := d.Run(ctx, d.dialect.columnsQuery, map[string]any{"table": table})
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	cols := make([]string, 0, len(rows))
	for _, r := range rows {
		for _, key := range []string{"name", "column_name", "COLUMN_NAME"} {
			if v, ok := r[key]; ok {
				cols = append(cols, fmt.Sprint(v))
				break
			}
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("columns of %s: %w", table, ErrNotFound)
	}
	d.columns.Store(table, cols)
	return cols, nil
}

// ForgetColumns drops cached column lists, for use after schema changes.
func (d *Database) ForgetColumns() {
	d.columns.Range(func(k, _ any) bool {
		d.columns.Delete(k)
		return true
	})
}

// TableExists reports whether table exists in the current schema.
func (d *Database) TableExists(ctx context.Context, table string) (bool, error) {
	rows, err := d.Run(ctx, d.dialect.tableExistsSQL, map[string]any{"table": table})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	n, err := ToInt64(rows[0]["count"])
	return n > 0, err
}
