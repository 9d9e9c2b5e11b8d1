package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/pkg/types"
)

// Memory is an in-memory Store used for tests and development.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]*memStream
}

type memStream struct {
	key     string
	fields  []schema.Field
	records []types.VersionedRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

// EnsureStream prepares a stream. Re-declaring an existing stream is a no-op.
func (m *Memory) EnsureStream(ctx context.Context, stream, key string, fields []schema.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; ok {
		return nil
	}
	m.streams[stream] = &memStream{key: key, fields: fields}
	return nil
}

// Append adds a record to a stream.
func (m *Memory) Append(ctx context.Context, stream string, rec types.VersionedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return fmt.Errorf("sink: stream %q not declared", stream)
	}
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of every record appended to a stream, in append
// order. Test helper; not part of the Store interface.
func (m *Memory) Records(stream string) []types.VersionedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	out := make([]types.VersionedRecord, len(s.records))
	copy(out, s.records)
	return out
}

// winners returns the authoritative record per primary key: greatest version
// wins, ties broken by append order.
func (s *memStream) winners() map[uint64]types.VersionedRecord {
	best := make(map[uint64]types.VersionedRecord)
	for _, rec := range s.records {
		pk, ok := rec.Fields[s.key].(uint64)
		if !ok {
			continue
		}
		if prev, exists := best[pk]; !exists || rec.Version >= prev.Version {
			best[pk] = rec
		}
	}
	return best
}

// Current returns the stream's current state, tombstones excluded.
func (m *Memory) Current(ctx context.Context, stream string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("sink: stream %q not declared", stream)
	}

	var rows []Row
	for _, rec := range s.winners() {
		if rec.Tombstone() {
			continue
		}
		rows = append(rows, rowFromRecord(rec))
	}
	return rows, nil
}

// CurrentRow returns the current row for one key.
func (m *Memory) CurrentRow(ctx context.Context, stream string, pk uint64) (Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, false, fmt.Errorf("sink: stream %q not declared", stream)
	}

	rec, exists := s.winners()[pk]
	if !exists || rec.Tombstone() {
		return nil, false, nil
	}
	return rowFromRecord(rec), true, nil
}

// Close releases nothing for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

func rowFromRecord(rec types.VersionedRecord) Row {
	row := make(Row, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		row[k] = v
	}
	row[types.FieldIsDeleted] = rec.IsDeleted
	row[types.FieldVersion] = rec.Version
	return row
}
