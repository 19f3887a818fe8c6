package database

import (
	"context"
	"fmt"
)

// Begin starts a transaction and returns a Database bound to it. The receiver
// keeps using the pool.
func (d *Database) Begin(ctx context.Context) (*Database, error) {
	if d.tx != nil {
		return nil, ErrTransactionActive
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	c := *d
	c.tx = tx
	c.ext = tx
	return &c, nil
}

// InTransaction reports whether d is bound to a transaction.
func (d *Database) InTransaction() bool {
	return d.tx != nil
}

// Commit commits the bound transaction.
func (d *Database) Commit() error {
	if d.tx == nil {
		return ErrNoTransaction
	}
	return d.tx.Commit()
}

// Rollback aborts the bound transaction.
func (d *Database) Rollback() error {
	if d.tx == nil {
		return ErrNoTransaction
	}
	return d.tx.Rollback()
}

// Transaction runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
func (d *Database) Transaction(ctx context.Context, fn func(tx *Database) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
