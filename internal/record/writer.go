// Package record turns decoded entity rows into versioned records and
// appends them to the outbound store.
package record

import (
	"context"
	"log"

	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/internal/sink"
	"github.com/starforge/starforge/pkg/types"
)

// Writer appends versioned records to entity streams. Version assignment and
// tombstone marking follow the source position and operation carried by the
// envelope, so replays and out-of-order delivery reconcile at read time.
type Writer struct {
	store sink.Store
	stats *observability.PipelineStats
}

// NewWriter creates a writer over the given store.
func NewWriter(store sink.Store, stats *observability.PipelineStats) *Writer {
	return &Writer{store: store, stats: stats}
}

// Prepare declares the output streams for every entity in the registry.
func (w *Writer) Prepare(ctx context.Context, reg *schema.Registry) error {
	for _, kind := range reg.Kinds() {
		ent, _ := reg.Lookup(kind)
		if err := w.store.EnsureStream(ctx, ent.Name, ent.Key, ent.Fields); err != nil {
			return err
		}
	}
	return nil
}

// Write appends one versioned record built from the decoded fields of an
// envelope. fields must already have passed the entity's shape validation.
func (w *Writer) Write(ctx context.Context, ent *schema.Entity, env types.Envelope, fields map[string]interface{}) (types.VersionedRecord, error) {
	rec := types.NewVersionedRecord(fields, env.Operation, env.Position)
	if err := w.store.Append(ctx, ent.Name, rec); err != nil {
		return types.VersionedRecord{}, err
	}
	if w.stats != nil {
		switch ent.Class {
		case schema.ClassDimension:
			w.stats.RecordDimensionWrite()
		case schema.ClassFact:
			w.stats.RecordFactWrite()
		}
	}
	if rec.Tombstone() {
		log.Printf("record: tombstone appended stream=%s version=%s", ent.Name, types.FormatPosition(rec.Version))
	}
	return rec, nil
}
