package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pew-pew-pew/pew/internal/database"
)

// Record is one row of a model. Relationship values are loaded on first
// access through Get and kept for the lifetime of the record.
type Record struct {
	model *Model
	data  database.Row

	mu      sync.Mutex
	related map[string]any
}

// Model returns the model the record belongs to.
func (r *Record) Model() *Model { return r.model }

// ID returns the primary key value.
func (r *Record) ID() any { return r.data[r.model.def.PrimaryKey] }

// Value returns a column value, or nil.
func (r *Record) Value(field string) any { return r.data[field] }

// Has reports whether the record carries field.
func (r *Record) Has(field string) bool {
	_, ok := r.data[field]
	return ok
}

// String returns a column rendered as text.
func (r *Record) String(field string) string {
	switch v := r.data[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns a column as an integer, or 0.
func (r *Record) Int(field string) int64 {
	n, err := database.ToInt64(r.data[field])
	if err != nil {
		return 0
	}
	return n
}

// Set changes a column value in memory. Call Save to persist it.
func (r *Record) Set(field string, value any) {
	r.data[field] = value
}

// Data returns a copy of the column values.
func (r *Record) Data() database.Row {
	out := make(database.Row, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}

// Get returns a column value or resolves a declared relationship. Has-many
// relationships yield []*Record; has-one and belongs-to yield *Record, or
// nil when nothing is linked.
func (r *Record) Get(ctx context.Context, key string) (any, error) {
	if v, ok := r.data[key]; ok {
		return v, nil
	}

	r.mu.Lock()
	if v, ok := r.related[key]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	def := r.model.def
	var (
		value any
		err   error
	)
	var single *Record
	if rel, ok := def.HasMany[key]; ok {
		value, err = r.loadMany(ctx, rel)
	} else if rel, ok := def.HasOne[key]; ok {
		single, err = r.loadOne(ctx, rel)
		if single != nil {
			value = single
		}
	} else if rel, ok := def.BelongsTo[key]; ok {
		single, err = r.loadParent(ctx, rel)
		if single != nil {
			value = single
		}
	} else {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, def.Name, key)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.related == nil {
		r.related = make(map[string]any)
	}
	r.related[key] = value
	r.mu.Unlock()
	return value, nil
}

// Many resolves a has-many relationship.
func (r *Record) Many(ctx context.Context, name string) ([]*Record, error) {
	v, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	records, ok := v.([]*Record)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a has-many relationship", ErrUnknownField, name)
	}
	return records, nil
}

// One resolves a has-one or belongs-to relationship. It returns nil, nil
// when nothing is linked.
func (r *Record) One(ctx context.Context, name string) (*Record, error) {
	v, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	record, ok := v.(*Record)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a single relationship", ErrUnknownField, name)
	}
	return record, nil
}

// Loaded reports whether a relationship has been resolved already.
func (r *Record) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.related[name]
	return ok
}

func (r *Record) loadMany(ctx context.Context, rel Relation) ([]*Record, error) {
	target, err := r.model.related(rel.Model)
	if err != nil {
		return nil, err
	}
	if len(rel.OrderBy) > 0 {
		target = target.OrderBy(rel.OrderBy...)
	}
	return target.FindAll(ctx, database.Conditions{rel.ForeignKey: r.ID()})
}

func (r *Record) loadOne(ctx context.Context, rel Relation) (*Record, error) {
	target, err := r.model.related(rel.Model)
	if err != nil {
		return nil, err
	}
	rec, err := target.FindOne(ctx, database.Conditions{rel.ForeignKey: r.ID()})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (r *Record) loadParent(ctx context.Context, rel Relation) (*Record, error) {
	fk, ok := r.data[rel.ForeignKey]
	if !ok || fk == nil {
		return nil, nil
	}
	target, err := r.model.related(rel.Model)
	if err != nil {
		return nil, err
	}
	rec, err := target.Find(ctx, fk)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Save persists the record and refreshes it from the database.
func (r *Record) Save(ctx context.Context) error {
	saved, err := r.model.Save(ctx, r.data)
	if err != nil {
		return err
	}
	r.data = saved.data
	r.mu.Lock()
	r.related = nil
	r.mu.Unlock()
	return nil
}

// Delete removes the record.
func (r *Record) Delete(ctx context.Context) error {
	if isEmptyKey(r.ID()) {
		return fmt.Errorf("%s: delete unsaved record: %w", r.model.def.Name, ErrNotFound)
	}
	return r.model.Delete(ctx, r.ID())
}

// MarshalJSON renders the columns plus any relationships already loaded.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	r.mu.Lock()
	for k, v := range r.related {
		out[k] = v
	}
	r.mu.Unlock()
	return json.Marshal(out)
}

// Map exposes columns and loaded relationships to templates.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	r.mu.Lock()
	for k, v := range r.related {
		out[k] = v
	}
	r.mu.Unlock()
	return out
}

// IDString returns the primary key as text, handy for URLs.
func (r *Record) IDString() string {
	switch v := r.ID().(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return r.String(r.model.def.PrimaryKey)
	}
}
