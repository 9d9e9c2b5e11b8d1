package dictionary

import (
	"context"

	"github.com/starforge/starforge/internal/sink"
)

// StreamSource loads a dictionary from the current state of a dimension
// stream. Only the requested attributes are retained in the snapshot.
type StreamSource struct {
	store  sink.Store
	stream string
	key    string
	attrs  []string
}

// NewStreamSource creates a source over the named stream. key is the stream's
// primary key field and attrs the attributes to load.
func NewStreamSource(store sink.Store, stream, key string, attrs ...string) *StreamSource {
	return &StreamSource{store: store, stream: stream, key: key, attrs: attrs}
}

// Load materializes the stream's current rows into dictionary entries.
// Tombstoned keys are already excluded by the store.
func (s *StreamSource) Load(ctx context.Context) (map[uint64]map[string]interface{}, error) {
	rows, err := s.store.Current(ctx, s.stream)
	if err != nil {
		return nil, err
	}
	entries := make(map[uint64]map[string]interface{}, len(rows))
	for _, row := range rows {
		pk, ok := row[s.key].(uint64)
		if !ok {
			continue
		}
		entry := make(map[string]interface{}, len(s.attrs))
		for _, attr := range s.attrs {
			if v, ok := row[attr]; ok {
				entry[attr] = v
			}
		}
		entries[pk] = entry
	}
	return entries, nil
}
