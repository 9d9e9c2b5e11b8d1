// Package enrich maintains denormalized fact streams by joining fact records
// against dictionary caches at write time.
package enrich

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/starforge/starforge/internal/dictionary"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/router"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/internal/sink"
	"github.com/starforge/starforge/pkg/types"
)

// Attribute maps one dictionary attribute onto an output field.
type Attribute struct {
	Out  string
	Attr string
	Type schema.FieldType
}

// Join resolves one foreign key against a dictionary. ForeignKey names the
// field holding the lookup key; joins run in declaration order, so a join
// may read a field produced by an earlier one.
type Join struct {
	ForeignKey string
	Cache      *dictionary.Cache
	Attributes []Attribute
}

// Measure is a derived output computed from the enriched row after all
// joins have run. Compute returns nil when an input is absent.
type Measure struct {
	Out     string
	Type    schema.FieldType
	Compute func(fields map[string]interface{}) interface{}
}

type pendingFact struct {
	rec    types.VersionedRecord
	misses int
}

// View emits an enriched copy of each fact record to its own stream. A
// lookup miss never blocks the emission: missed attributes are null and the
// fact is tracked for re-emission once the dictionary catches up. Re-emitted
// rows carry the original version, so the store's tie-break replaces the
// sparse row with the complete one.
type View struct {
	store    sink.Store
	fact     *schema.Entity
	stream   string
	joins    []Join
	measures []Measure
	stats    *observability.PipelineStats
	notifier *router.Notifier

	mu      sync.Mutex
	pending map[uint64]pendingFact
}

// NewView creates a view writing enriched copies of the fact's records to
// the named stream.
func NewView(store sink.Store, fact *schema.Entity, stream string, joins []Join, measures []Measure, stats *observability.PipelineStats, notifier *router.Notifier) *View {
	return &View{
		store:    store,
		fact:     fact,
		stream:   stream,
		joins:    joins,
		measures: measures,
		stats:    stats,
		notifier: notifier,
		pending:  make(map[uint64]pendingFact),
	}
}

// Stream returns the name of the enriched output stream.
func (v *View) Stream() string {
	return v.stream
}

// Fields returns the enriched stream's schema: the fact's own fields
// followed by every joined attribute and computed measure.
func (v *View) Fields() []schema.Field {
	fields := make([]schema.Field, 0, len(v.fact.Fields)+4)
	fields = append(fields, v.fact.Fields...)
	for _, j := range v.joins {
		for _, a := range j.Attributes {
			fields = append(fields, schema.Field{Name: a.Out, Type: a.Type})
		}
	}
	for _, m := range v.measures {
		fields = append(fields, schema.Field{Name: m.Out, Type: m.Type})
	}
	return fields
}

// Prepare declares the enriched output stream.
func (v *View) Prepare(ctx context.Context) error {
	return v.store.EnsureStream(ctx, v.stream, v.fact.Key, v.Fields())
}

// OnFact enriches and emits one fact record.
func (v *View) OnFact(ctx context.Context, ent *schema.Entity, pk uint64, rec types.VersionedRecord) error {
	misses, err := v.emit(ctx, rec)
	if err != nil {
		return err
	}
	v.mu.Lock()
	// A replayed lower-version fact must not disturb the bookkeeping for
	// the authoritative record: only the highest version seen per key is
	// tracked, mirroring the store's own reconciliation.
	if prev, tracked := v.pending[pk]; !tracked || rec.Version >= prev.rec.Version {
		if misses > 0 && rec.IsDeleted == 0 {
			v.pending[pk] = pendingFact{rec: rec, misses: misses}
		} else {
			delete(v.pending, pk)
		}
	}
	v.mu.Unlock()
	if v.stats != nil {
		v.stats.RecordEnriched(misses)
	}
	return nil
}

// Recompute re-joins every fact held back by a miss and re-emits those whose
// lookups improved. Called after a dictionary refresh.
func (v *View) Recompute(ctx context.Context) {
	v.mu.Lock()
	held := make(map[uint64]pendingFact, len(v.pending))
	for pk, pf := range v.pending {
		held[pk] = pf
	}
	v.mu.Unlock()

	for pk, pf := range held {
		enriched, misses := v.join(pf.rec)
		if misses >= pf.misses {
			continue
		}
		if err := v.store.Append(ctx, v.stream, enriched); err != nil {
			log.Printf("enrich: re-emit of %s key %d failed: %v", v.stream, pk, err)
			continue
		}
		v.mu.Lock()
		if cur, tracked := v.pending[pk]; tracked && cur.rec.Version == pf.rec.Version {
			if misses > 0 {
				v.pending[pk] = pendingFact{rec: pf.rec, misses: misses}
			} else {
				delete(v.pending, pk)
			}
		}
		v.mu.Unlock()
		if v.stats != nil {
			v.stats.RecordReemission()
		}
	}
}

// PendingCount returns the number of facts awaiting a complete join.
func (v *View) PendingCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

func (v *View) emit(ctx context.Context, rec types.VersionedRecord) (int, error) {
	enriched, misses := v.join(rec)
	if err := v.store.Append(ctx, v.stream, enriched); err != nil {
		return 0, err
	}
	if v.notifier != nil {
		pk, _ := enriched.Fields[v.fact.Key].(uint64)
		v.notifier.Publish(router.Notification{
			Type:       router.EnrichedEmitted,
			EntityKind: v.stream,
			Key:        pk,
			Version:    enriched.Version,
			Tombstone:  enriched.Tombstone(),
			Timestamp:  time.Now().UnixNano(),
		})
	}
	return misses, nil
}

// join builds the enriched record. The lookup map starts from the fact's
// fields and accumulates joined attributes, which lets the customer join
// read the customer_id resolved by the order join.
func (v *View) join(rec types.VersionedRecord) (types.VersionedRecord, int) {
	out := make(map[string]interface{}, len(rec.Fields)+4)
	for k, val := range rec.Fields {
		out[k] = val
	}

	misses := 0
	for _, j := range v.joins {
		fk, ok := out[j.ForeignKey].(uint64)
		if !ok {
			misses++
			for _, a := range j.Attributes {
				out[a.Out] = nil
			}
			continue
		}
		hit := true
		for _, a := range j.Attributes {
			val, ok := j.Cache.Lookup(fk, a.Attr)
			if !ok {
				hit = false
				out[a.Out] = nil
				continue
			}
			out[a.Out] = val
		}
		if !hit {
			misses++
		}
	}
	for _, m := range v.measures {
		out[m.Out] = m.Compute(out)
	}
	return types.VersionedRecord{Fields: out, IsDeleted: rec.IsDeleted, Version: rec.Version}, misses
}
