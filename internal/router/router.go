package router

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/record"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/pkg/types"
)

// DeadLetters receives events the router cannot route. The original event
// bytes are preserved unmodified.
type DeadLetters interface {
	Append(reason deadletter.Reason, detail string, event json.RawMessage) (deadletter.Record, error)
}

// FactObserver is notified after a fact record lands in its stream. The
// enrichment view implements this to emit denormalized rows.
type FactObserver interface {
	OnFact(ctx context.Context, ent *schema.Entity, pk uint64, rec types.VersionedRecord) error
}

// Router dispatches normalized envelopes to the stream of their entity kind.
// Routing decisions are static: the entity registry is fixed at startup.
//
// Events that can never succeed (unknown kind, rejected shape) go to the
// dead-letter sink and Route returns nil. Store failures are returned to the
// caller for retry and are never dead-lettered.
type Router struct {
	registry *schema.Registry
	writer   *record.Writer
	dead     DeadLetters
	notifier *Notifier
	stats    *observability.PipelineStats
	facts    FactObserver
}

// New creates a router over the given registry and writer.
func New(registry *schema.Registry, writer *record.Writer, dead DeadLetters, notifier *Notifier, stats *observability.PipelineStats) *Router {
	return &Router{
		registry: registry,
		writer:   writer,
		dead:     dead,
		notifier: notifier,
		stats:    stats,
	}
}

// SetFactObserver registers the observer called after each fact write.
func (r *Router) SetFactObserver(obs FactObserver) {
	r.facts = obs
}

// Route dispatches one normalized envelope. raw is the original event as
// received, kept byte-for-byte for the dead-letter sink.
func (r *Router) Route(ctx context.Context, env types.Envelope, raw json.RawMessage) error {
	ent, ok := r.registry.Lookup(env.EntityKind)
	if !ok {
		log.Printf("router: unknown entity kind %q, dead-lettering", env.EntityKind)
		r.stats.RecordUnknownKind()
		_, err := r.dead.Append(deadletter.ReasonUnknownEntityKind, "no handler for entity kind "+env.EntityKind, raw)
		return err
	}

	fields, err := ent.Decode(env.Operation, env.Row)
	if err != nil {
		log.Printf("router: %s event rejected: %v", env.EntityKind, err)
		r.stats.RecordHandlerRejected()
		_, derr := r.dead.Append(deadletter.ReasonHandlerRejected, err.Error(), raw)
		return derr
	}
	pk, err := ent.PrimaryKey(fields)
	if err != nil {
		r.stats.RecordHandlerRejected()
		_, derr := r.dead.Append(deadletter.ReasonHandlerRejected, err.Error(), raw)
		return derr
	}

	rec, err := r.writer.Write(ctx, ent, env, fields)
	if err != nil {
		return err
	}

	if r.notifier != nil {
		ntype := DimensionWritten
		if ent.Class == schema.ClassFact {
			ntype = FactWritten
		}
		r.notifier.Publish(Notification{
			Type:       ntype,
			EntityKind: ent.Name,
			Key:        pk,
			Version:    rec.Version,
			Tombstone:  rec.Tombstone(),
			Timestamp:  time.Now().UnixNano(),
		})
	}

	if ent.Class == schema.ClassFact && r.facts != nil {
		return r.facts.OnFact(ctx, ent, pk, rec)
	}
	return nil
}
