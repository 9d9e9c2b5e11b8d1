// Package sink models the outbound analytical store: an append-only
// destination that reconciles versioned records by (primary key, version)
// with last-write-wins semantics and excludes tombstoned rows from current
// state.
package sink

import (
	"context"

	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/pkg/types"
)

// Row is one materialized row of a stream's current state.
type Row map[string]interface{}

// Store is the analytical destination for versioned record streams.
//
// Append is strictly append-only; reconciliation happens at read time.
// Current and CurrentRow return, per primary key, the record with the
// numerically greatest version, excluding keys whose winning record is a
// tombstone. For equal versions the latest append wins, which makes
// re-emission of the same record version harmless.
type Store interface {
	// EnsureStream prepares an output stream keyed by the named field.
	EnsureStream(ctx context.Context, stream, key string, fields []schema.Field) error

	// Append adds one versioned record to a stream.
	Append(ctx context.Context, stream string, rec types.VersionedRecord) error

	// Current returns the stream's current state: one row per live key.
	Current(ctx context.Context, stream string) ([]Row, error)

	// CurrentRow returns the current row for one key, or ok=false if the
	// key is absent or tombstoned.
	CurrentRow(ctx context.Context, stream string, pk uint64) (Row, bool, error)

	// Close releases the store's resources.
	Close() error
}
