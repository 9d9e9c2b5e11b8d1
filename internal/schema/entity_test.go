package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforge/starforge/internal/errors"
	"github.com/starforge/starforge/pkg/types"
)

func testEntity() *Entity {
	return &Entity{
		Name:  "customers",
		Class: ClassDimension,
		Key:   "id",
		Fields: []Field{
			{Name: "id", Type: FieldUint, Required: true},
			{Name: "country", Type: FieldString, Required: true},
			{Name: "score", Type: FieldFloat},
			{Name: "active", Type: FieldBool},
			{Name: "created_at", Type: FieldTime},
		},
	}
}

func TestDecodeInsert(t *testing.T) {
	e := testEntity()
	fields, err := e.Decode(types.OpInsert, map[string]interface{}{
		"id":         float64(1),
		"country":    "USA",
		"score":      4.5,
		"active":     true,
		"created_at": "2026-02-06T12:30:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), fields["id"])
	assert.Equal(t, "USA", fields["country"])
	assert.Equal(t, 4.5, fields["score"])
	assert.Equal(t, true, fields["active"])
	assert.Equal(t, "2026-02-06T12:30:00Z", fields["created_at"])
}

func TestDecodeIgnoresUndeclaredFields(t *testing.T) {
	e := testEntity()
	fields, err := e.Decode(types.OpInsert, map[string]interface{}{
		"id":      float64(1),
		"country": "USA",
		"extra":   "ignored",
	})
	require.NoError(t, err)
	_, present := fields["extra"]
	assert.False(t, present)
}

func TestDecodeDeletePartialRowDefaults(t *testing.T) {
	e := testEntity()
	// Delete events carry only the primary key; everything else defaults.
	fields, err := e.Decode(types.OpDelete, map[string]interface{}{
		"id":      float64(7),
		"country": nil,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(7), fields["id"])
	assert.Equal(t, "", fields["country"])
	assert.Equal(t, float64(0), fields["score"])
	assert.Equal(t, false, fields["active"])
	assert.Equal(t, "1970-01-01T00:00:00Z", fields["created_at"])
}

func TestDecodeMissingRequiredField(t *testing.T) {
	e := testEntity()
	_, err := e.Decode(types.OpInsert, map[string]interface{}{"id": float64(1)})
	require.Error(t, err)
	assert.Equal(t, errors.CodeHandlerRejected, errors.GetCode(err))
}

func TestDecodeMissingPrimaryKey(t *testing.T) {
	e := testEntity()
	for _, op := range []types.Operation{types.OpInsert, types.OpDelete} {
		_, err := e.Decode(op, map[string]interface{}{"country": "USA"})
		require.Error(t, err, "op %s", op)
		assert.Equal(t, errors.CodeHandlerRejected, errors.GetCode(err))
	}
}

func TestDecodeTypeMismatch(t *testing.T) {
	e := testEntity()
	cases := []map[string]interface{}{
		{"id": "not-a-number", "country": "USA"},
		{"id": float64(-1), "country": "USA"},
		{"id": 1.5, "country": "USA"},
		{"id": float64(1), "country": 42},
		{"id": float64(1), "country": "USA", "active": "yes"},
		{"id": float64(1), "country": "USA", "created_at": "not-a-date"},
	}
	for i, row := range cases {
		_, err := e.Decode(types.OpInsert, row)
		require.Error(t, err, "case %d", i)
		assert.Equal(t, errors.CodeHandlerRejected, errors.GetCode(err), "case %d", i)
	}
}

func TestDecodeTimeFromUnixSeconds(t *testing.T) {
	e := testEntity()
	fields, err := e.Decode(types.OpInsert, map[string]interface{}{
		"id":         float64(1),
		"country":    "USA",
		"created_at": float64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "1970-01-01T00:00:00Z", fields["created_at"])
}

func TestPrimaryKey(t *testing.T) {
	e := testEntity()
	pk, err := e.PrimaryKey(map[string]interface{}{"id": uint64(42)})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pk)

	_, err = e.PrimaryKey(map[string]interface{}{})
	assert.Error(t, err)
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	// Key must be declared
	err := r.Register(&Entity{Name: "t", Class: ClassFact, Key: "id",
		Fields: []Field{{Name: "other", Type: FieldUint}}})
	assert.Error(t, err)

	// Key must be uint
	err = r.Register(&Entity{Name: "t", Class: ClassFact, Key: "id",
		Fields: []Field{{Name: "id", Type: FieldString}}})
	assert.Error(t, err)

	// Duplicate field names rejected
	err = r.Register(&Entity{Name: "t", Class: ClassFact, Key: "id",
		Fields: []Field{{Name: "id", Type: FieldUint}, {Name: "id", Type: FieldUint}}})
	assert.Error(t, err)

	// Valid registration, then duplicate kind rejected
	valid := &Entity{Name: "t", Class: ClassFact, Key: "id",
		Fields: []Field{{Name: "id", Type: FieldUint, Required: true}}}
	require.NoError(t, r.Register(valid))
	assert.Error(t, r.Register(valid))

	got, ok := r.Lookup("t")
	require.True(t, ok)
	assert.Equal(t, "t", got.Name)
}

func TestStarSchema(t *testing.T) {
	r := StarSchema()
	assert.Equal(t, []string{"customers", "order_items", "orders", "products"}, r.Kinds())

	fact, ok := r.Lookup("order_items")
	require.True(t, ok)
	assert.Equal(t, ClassFact, fact.Class)

	for _, kind := range []string{"customers", "products", "orders"} {
		dim, ok := r.Lookup(kind)
		require.True(t, ok)
		assert.Equal(t, ClassDimension, dim.Class, kind)
	}
}

func TestFieldSQLType(t *testing.T) {
	assert.Equal(t, "INTEGER", Field{Type: FieldUint}.SQLType())
	assert.Equal(t, "INTEGER", Field{Type: FieldBool}.SQLType())
	assert.Equal(t, "REAL", Field{Type: FieldFloat}.SQLType())
	assert.Equal(t, "TEXT", Field{Type: FieldString}.SQLType())
	assert.Equal(t, "TEXT", Field{Type: FieldTime}.SQLType())
}
