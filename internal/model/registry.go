// Package model implements active-record style models on top of the
// database package. A model is bound to one table; records resolve their
// has-many, has-one and belongs-to relationships lazily on first access.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pew-pew-pew/pew/internal/database"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = database.ErrNotFound

	ErrUnknownModel = errors.New("model: unknown model")
	ErrUnknownField = errors.New("model: unknown field or relationship")
	ErrInvalidModel = errors.New("model: invalid definition")
)

// Relation points at another registered model through a foreign key.
type Relation struct {
	// Model is the registry name of the related model.
	Model string
	// ForeignKey is the column holding the link. For has-many and has-one it
	// lives on the related table; for belongs-to it lives on this table.
	ForeignKey string
	// OrderBy sorts has-many results.
	OrderBy []string
}

// Definition declares a model.
type Definition struct {
	Name       string
	Table      string
	PrimaryKey string

	HasMany   map[string]Relation
	HasOne    map[string]Relation
	BelongsTo map[string]Relation

	// Timestamps fills CreatedField on insert and ModifiedField on every save
	// when those columns exist.
	Timestamps    bool
	CreatedField  string
	ModifiedField string
}

func (d *Definition) normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidModel)
	}
	if d.Table == "" {
		d.Table = d.Name
	}
	if d.PrimaryKey == "" {
		d.PrimaryKey = "id"
	}
	if d.CreatedField == "" {
		d.CreatedField = "created"
	}
	if d.ModifiedField == "" {
		d.ModifiedField = "modified"
	}
	for _, ident := range []string{d.Table, d.PrimaryKey, d.CreatedField, d.ModifiedField} {
		if !database.ValidIdentifier(ident) {
			return fmt.Errorf("%w: %s: bad identifier %q", ErrInvalidModel, d.Name, ident)
		}
	}

	d.HasMany = copyRelations(d.HasMany)
	d.HasOne = copyRelations(d.HasOne)
	d.BelongsTo = copyRelations(d.BelongsTo)

	singular := strings.TrimSuffix(d.Name, "s")
	for _, group := range []map[string]Relation{d.HasMany, d.HasOne} {
		for name, rel := range group {
			if rel.Model == "" {
				rel.Model = name
			}
			if rel.ForeignKey == "" {
				rel.ForeignKey = singular + "_id"
			}
			group[name] = rel
		}
	}
	for name, rel := range d.BelongsTo {
		if rel.Model == "" {
			rel.Model = name + "s"
		}
		if rel.ForeignKey == "" {
			rel.ForeignKey = name + "_id"
		}
		d.BelongsTo[name] = rel
	}
	return nil
}

func copyRelations(in map[string]Relation) map[string]Relation {
	out := make(map[string]Relation, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Registry holds model definitions by name.
type Registry struct {
	db   *database.Database
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry whose models use db.
func NewRegistry(db *database.Database) *Registry {
	return &Registry{db: db, defs: make(map[string]Definition)}
}

// Register adds or replaces a model definition.
func (r *Registry) Register(def Definition) error {
	if err := def.normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register that panics on an invalid definition.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Names lists registered models in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns an unscoped model for name.
func (r *Registry) Get(name string) (*Model, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return &Model{reg: r, db: r.db, def: def}, nil
}

// Validate checks that every relationship points at a registered model.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var problems []string
	for name, def := range r.defs {
		for _, group := range []map[string]Relation{def.HasMany, def.HasOne, def.BelongsTo} {
			for rel, target := range group {
				if _, ok := r.defs[target.Model]; !ok {
					problems = append(problems, fmt.Sprintf("%s.%s -> %s", name, rel, target.Model))
				}
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrUnknownModel, strings.Join(problems, ", "))
	}
	return nil
}
