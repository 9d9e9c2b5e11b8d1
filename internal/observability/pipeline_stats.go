// Package observability provides pipeline counters for monitoring event flow,
// dead-letter volume, and enrichment quality.
package observability

import "sync/atomic"

// PipelineStats tracks event-flow counters. All methods are O(1) and safe for
// concurrent use.
type PipelineStats struct {
	processed       atomic.Int64
	dimensionWrites atomic.Int64
	factWrites      atomic.Int64

	unknownKind       atomic.Int64
	malformedEnvelope atomic.Int64
	handlerRejected   atomic.Int64

	enriched     atomic.Int64
	lookupMisses atomic.Int64
	reemissions  atomic.Int64

	sinkRetries atomic.Int64
}

// NewPipelineStats creates a zeroed stats tracker.
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{}
}

// RecordProcessed counts one inbound event entering the pipeline.
func (s *PipelineStats) RecordProcessed() { s.processed.Add(1) }

// RecordDimensionWrite counts one record appended to a dimension stream.
func (s *PipelineStats) RecordDimensionWrite() { s.dimensionWrites.Add(1) }

// RecordFactWrite counts one record appended to a fact stream.
func (s *PipelineStats) RecordFactWrite() { s.factWrites.Add(1) }

// RecordUnknownKind counts one event dead-lettered for an unknown entity kind.
func (s *PipelineStats) RecordUnknownKind() { s.unknownKind.Add(1) }

// RecordMalformedEnvelope counts one event dead-lettered as unparseable.
func (s *PipelineStats) RecordMalformedEnvelope() { s.malformedEnvelope.Add(1) }

// RecordHandlerRejected counts one event dead-lettered by shape validation.
func (s *PipelineStats) RecordHandlerRejected() { s.handlerRejected.Add(1) }

// RecordEnriched counts one enriched fact emission.
// misses is the number of lookup misses in that emission.
func (s *PipelineStats) RecordEnriched(misses int) {
	s.enriched.Add(1)
	if misses > 0 {
		s.lookupMisses.Add(int64(misses))
	}
}

// RecordReemission counts one enriched fact re-emitted after a cache refresh.
func (s *PipelineStats) RecordReemission() { s.reemissions.Add(1) }

// RecordSinkRetry counts one retried sink append.
func (s *PipelineStats) RecordSinkRetry() { s.sinkRetries.Add(1) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Processed       int64 `json:"processed"`
	DimensionWrites int64 `json:"dimension_writes"`
	FactWrites      int64 `json:"fact_writes"`

	DeadLettered DeadLetterCounts `json:"dead_lettered"`

	Enriched     int64 `json:"enriched"`
	LookupMisses int64 `json:"lookup_misses"`
	Reemissions  int64 `json:"reemissions"`

	SinkRetries int64 `json:"sink_retries"`
}

// DeadLetterCounts breaks dead-lettered events down by reason.
type DeadLetterCounts struct {
	UnknownEntityKind int64 `json:"unknown_entity_kind"`
	MalformedEnvelope int64 `json:"malformed_envelope"`
	HandlerRejected   int64 `json:"handler_rejected"`
	Total             int64 `json:"total"`
}

// Snapshot returns a point-in-time copy of all counters.
func (s *PipelineStats) Snapshot() Snapshot {
	unknown := s.unknownKind.Load()
	malformed := s.malformedEnvelope.Load()
	rejected := s.handlerRejected.Load()
	return Snapshot{
		Processed:       s.processed.Load(),
		DimensionWrites: s.dimensionWrites.Load(),
		FactWrites:      s.factWrites.Load(),
		DeadLettered: DeadLetterCounts{
			UnknownEntityKind: unknown,
			MalformedEnvelope: malformed,
			HandlerRejected:   rejected,
			Total:             unknown + malformed + rejected,
		},
		Enriched:     s.enriched.Load(),
		LookupMisses: s.lookupMisses.Load(),
		Reemissions:  s.reemissions.Load(),
		SinkRetries:  s.sinkRetries.Load(),
	}
}
