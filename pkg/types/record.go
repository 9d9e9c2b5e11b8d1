package types

// FieldIsDeleted is the tombstone flag column on every versioned record.
const FieldIsDeleted = "is_deleted"

// FieldVersion is the version column on every versioned record.
const FieldVersion = "version"

// VersionedRecord is the normalized, at-rest unit for both dimensions and
// facts. For a fixed primary key, the record with the numerically greatest
// Version is authoritative; lower-version replays are no-ops on current
// state. Deletes produce tombstones rather than physical removals.
type VersionedRecord struct {
	// Fields holds the entity's attribute values
	Fields map[string]interface{} `json:"fields"`

	// IsDeleted is 1 iff the originating operation was a delete
	IsDeleted uint8 `json:"is_deleted"`

	// Version is the integer-parsed source log position
	Version uint64 `json:"version"`
}

// NewVersionedRecord builds a record from a normalized envelope's decoded row.
func NewVersionedRecord(fields map[string]interface{}, op Operation, position uint64) VersionedRecord {
	var deleted uint8
	if op == OpDelete {
		deleted = 1
	}
	return VersionedRecord{
		Fields:    fields,
		IsDeleted: deleted,
		Version:   position,
	}
}

// Tombstone reports whether the record marks its key as logically deleted.
func (r VersionedRecord) Tombstone() bool {
	return r.IsDeleted == 1
}
