// Package types provides core data types for Project Starforge.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Operation identifies the kind of row-level change carried by an envelope.
type Operation string

const (
	// OpInsert is a row creation.
	OpInsert Operation = "insert"

	// OpUpdate is a row mutation.
	OpUpdate Operation = "update"

	// OpDelete is a row removal. The row payload may be partial.
	OpDelete Operation = "delete"

	// OpRead is a snapshot read emitted during initial table sync.
	OpRead Operation = "read"
)

// ParseOperation converts an operation string from a change event's metadata
// into an Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpInsert, OpUpdate, OpDelete, OpRead:
		return Operation(s), nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Envelope is the canonical, normalized representation of one row-level
// change event.
type Envelope struct {
	// EntityKind is the source table or collection name
	EntityKind string `json:"entity_kind"`

	// Operation is the change operation (insert, update, delete, read)
	Operation Operation `json:"operation"`

	// Position is the integer-parsed log position; the sole basis for
	// version comparison downstream
	Position uint64 `json:"position"`

	// Row holds the entity's field values at the time of the operation.
	// Absent or partial for deletes.
	Row map[string]interface{} `json:"row"`
}

// ParsePosition parses a log position string into a uint64.
//
// Two renderings are accepted: the split form "high/low" used by Postgres
// LSNs (e.g. "0/1A2B3C4" → high<<32 | low), and a plain hexadecimal string.
func ParsePosition(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty position", ErrMalformedPosition)
	}

	if high, low, ok := strings.Cut(s, "/"); ok {
		h, err := strconv.ParseUint(high, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid high word %q", ErrMalformedPosition, high)
		}
		l, err := strconv.ParseUint(low, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid low word %q", ErrMalformedPosition, low)
		}
		return h<<32 | l, nil
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPosition, s)
	}
	return v, nil
}

// FormatPosition renders a position in the split "high/low" hexadecimal form.
func FormatPosition(pos uint64) string {
	return fmt.Sprintf("%X/%X", pos>>32, pos&0xFFFFFFFF)
}
