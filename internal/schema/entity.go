// Package schema provides hand-declared entity mappings from source tables to
// versioned record streams.
package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/starforge/starforge/internal/errors"
	"github.com/starforge/starforge/pkg/types"
)

// EntityClass distinguishes dimension streams from fact streams.
type EntityClass string

const (
	// ClassDimension is a descriptive, slowly-changing entity stream
	ClassDimension EntityClass = "dimension"

	// ClassFact is a measurable-event stream referencing dimensions by key
	ClassFact EntityClass = "fact"
)

// FieldType is the declared type of an entity field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldUint   FieldType = "uint"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldTime   FieldType = "time"
)

// Field declares a single entity field and how to coerce inbound values.
type Field struct {
	// Name is the field name as it appears in the change event row
	Name string

	// Type is the declared field type
	Type FieldType

	// Required fields must be present and non-null on non-delete operations
	Required bool
}

// SQLType returns the SQLite column type for the field.
func (f Field) SQLType() string {
	switch f.Type {
	case FieldUint, FieldBool:
		return "INTEGER"
	case FieldFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// zero returns the type-appropriate default used for absent or null values
// on delete events.
func (f Field) zero() interface{} {
	switch f.Type {
	case FieldUint:
		return uint64(0)
	case FieldFloat:
		return float64(0)
	case FieldBool:
		return false
	case FieldTime:
		return time.Unix(0, 0).UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// Entity declares one source table's mapping onto a versioned record stream.
// The mapping is explicit: field list, types, and primary key are declared by
// hand, never derived from source models.
type Entity struct {
	// Name is the source entity kind (table name) and the output stream name
	Name string

	// Class marks the stream as a dimension or a fact
	Class EntityClass

	// Key is the primary key field; must be a declared uint field
	Key string

	// Fields is the declared field list
	Fields []Field
}

// validate checks the declaration for internal consistency.
func (e *Entity) validate() error {
	if e.Name == "" {
		return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity, "entity name must not be empty")
	}
	if e.Class != ClassDimension && e.Class != ClassFact {
		return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity,
			fmt.Sprintf("entity %s: invalid class %q", e.Name, e.Class))
	}

	seen := make(map[string]bool, len(e.Fields))
	var key *Field
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Name == "" {
			return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity,
				fmt.Sprintf("entity %s: field name must not be empty", e.Name))
		}
		if seen[f.Name] {
			return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity,
				fmt.Sprintf("entity %s: duplicate field %q", e.Name, f.Name))
		}
		seen[f.Name] = true
		if f.Name == e.Key {
			key = f
		}
	}

	if key == nil {
		return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity,
			fmt.Sprintf("entity %s: key field %q is not declared", e.Name, e.Key))
	}
	if key.Type != FieldUint {
		return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity,
			fmt.Sprintf("entity %s: key field %q must be a uint field", e.Name, e.Key))
	}
	return nil
}

// Decode coerces a raw change event row into the declared field set.
//
// For deletes the row may be partial or hold explicit nulls; absent and null
// fields take type-appropriate defaults so downstream consumers never depend
// on full attribute presence for tombstones. The primary key is required on
// every operation. Undeclared row fields are ignored.
func (e *Entity) Decode(op types.Operation, row map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(e.Fields))
	for _, f := range e.Fields {
		raw, present := row[f.Name]
		if !present || raw == nil {
			if f.Name == e.Key {
				return nil, errors.New(errors.ErrCategorySchema, errors.CodeHandlerRejected,
					fmt.Sprintf("entity %s: missing primary key %q", e.Name, e.Key))
			}
			if op != types.OpDelete && f.Required {
				return nil, errors.New(errors.ErrCategorySchema, errors.CodeHandlerRejected,
					fmt.Sprintf("entity %s: missing required field %q", e.Name, f.Name))
			}
			out[f.Name] = f.zero()
			continue
		}

		v, err := coerce(f.Type, raw)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHandlerRejected,
				fmt.Sprintf("entity %s: field %q", e.Name, f.Name), err)
		}
		out[f.Name] = v
	}
	return out, nil
}

// PrimaryKey extracts the primary key value from a decoded field set.
func (e *Entity) PrimaryKey(fields map[string]interface{}) (uint64, error) {
	v, ok := fields[e.Key]
	if !ok {
		return 0, errors.New(errors.ErrCategorySchema, errors.CodeHandlerRejected,
			fmt.Sprintf("entity %s: missing primary key %q", e.Name, e.Key))
	}
	pk, ok := v.(uint64)
	if !ok {
		return 0, errors.New(errors.ErrCategorySchema, errors.CodeHandlerRejected,
			fmt.Sprintf("entity %s: primary key %q is not a uint", e.Name, e.Key))
	}
	return pk, nil
}

// coerce converts a raw JSON value to the declared field type.
func coerce(ft FieldType, raw interface{}) (interface{}, error) {
	switch ft {
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil

	case FieldUint:
		switch n := raw.(type) {
		case float64:
			if n < 0 || n != math.Trunc(n) || n > math.MaxUint64 {
				return nil, fmt.Errorf("value %v is not an unsigned integer", n)
			}
			return uint64(n), nil
		case int:
			if n < 0 {
				return nil, fmt.Errorf("value %d is not an unsigned integer", n)
			}
			return uint64(n), nil
		case int64:
			if n < 0 {
				return nil, fmt.Errorf("value %d is not an unsigned integer", n)
			}
			return uint64(n), nil
		case uint64:
			return n, nil
		default:
			return nil, fmt.Errorf("expected unsigned integer, got %T", raw)
		}

	case FieldFloat:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", raw)
		}

	case FieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil

	case FieldTime:
		switch v := raw.(type) {
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("invalid RFC3339 timestamp %q", v)
			}
			return t.UTC().Format(time.RFC3339), nil
		case float64:
			// Unix seconds
			return time.Unix(int64(v), 0).UTC().Format(time.RFC3339), nil
		default:
			return nil, fmt.Errorf("expected timestamp, got %T", raw)
		}
	}
	return nil, fmt.Errorf("unknown field type %q", ft)
}

// Registry is the static entity-kind dispatch table, built once at startup
// and immutable afterwards.
type Registry struct {
	entities map[string]*Entity
}

// NewRegistry creates an empty entity registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// Register adds an entity declaration to the registry.
func (r *Registry) Register(e *Entity) error {
	if err := e.validate(); err != nil {
		return err
	}
	if _, exists := r.entities[e.Name]; exists {
		return errors.New(errors.ErrCategorySchema, errors.CodeInvalidEntity,
			fmt.Sprintf("entity %s already registered", e.Name))
	}
	r.entities[e.Name] = e
	return nil
}

// MustRegister adds an entity declaration and panics on error. Intended for
// static startup wiring only.
func (r *Registry) MustRegister(e *Entity) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the entity registered for the given kind.
func (r *Registry) Lookup(kind string) (*Entity, bool) {
	e, ok := r.entities[kind]
	return e, ok
}

// Kinds returns all registered entity kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.entities))
	for k := range r.entities {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
