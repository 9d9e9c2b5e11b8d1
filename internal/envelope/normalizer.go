// Package envelope parses raw change events into canonical envelopes.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/starforge/starforge/internal/errors"
	"github.com/starforge/starforge/pkg/types"
)

// Metadata block keys accepted on inbound events. Replication connectors emit
// either a nested payload with a "metadata" block, or a flat row with an
// "_metadata" block.
const (
	metadataKey     = "metadata"
	flatMetadataKey = "_metadata"
	payloadKey      = "payload"
)

// metadata is the decoded metadata block of a raw change event.
type metadata struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	Position  string `json:"position"`
	LSN       string `json:"lsn"`
}

// position returns whichever position rendering the connector supplied.
func (m metadata) position() string {
	if m.Position != "" {
		return m.Position
	}
	return m.LSN
}

// Normalize parses a raw change event into a canonical envelope.
//
// It is a pure function: no side effects, no blocking. Failures are
// classified as MALFORMED_ENVELOPE (unparseable event), MISSING_METADATA
// (no metadata block, or table/operation absent), or MALFORMED_POSITION
// (position not parseable as an unsigned integer).
func Normalize(raw json.RawMessage) (types.Envelope, error) {
	var event map[string]json.RawMessage
	if err := json.Unmarshal(raw, &event); err != nil {
		return types.Envelope{}, errors.NewEnvelopeError(errors.CodeMalformedEnvelope,
			"event is not a JSON object", err)
	}

	metaRaw, flat := event[metadataKey], false
	if metaRaw == nil {
		metaRaw, flat = event[flatMetadataKey], true
	}
	if metaRaw == nil {
		return types.Envelope{}, errors.NewEnvelopeError(errors.CodeMissingMetadata,
			"event has no metadata block", types.ErrMissingMetadata)
	}

	var meta metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return types.Envelope{}, errors.NewEnvelopeError(errors.CodeMalformedEnvelope,
			"metadata block is not an object", err)
	}
	if meta.Table == "" || meta.Operation == "" {
		return types.Envelope{}, errors.NewEnvelopeError(errors.CodeMissingMetadata,
			"metadata lacks table or operation", types.ErrMissingMetadata)
	}

	op, err := types.ParseOperation(meta.Operation)
	if err != nil {
		return types.Envelope{}, errors.NewEnvelopeError(errors.CodeMalformedEnvelope,
			fmt.Sprintf("table %s", meta.Table), err)
	}

	pos, err := types.ParsePosition(meta.position())
	if err != nil {
		return types.Envelope{}, errors.NewEnvelopeError(errors.CodeMalformedPosition,
			fmt.Sprintf("table %s", meta.Table), err)
	}

	row, err := extractRow(event, flat)
	if err != nil {
		return types.Envelope{}, err
	}

	return types.Envelope{
		EntityKind: meta.Table,
		Operation:  op,
		Position:   pos,
		Row:        row,
	}, nil
}

// extractRow pulls the entity's field values out of the event. In the nested
// shape the row is the "payload" object; in the flat shape it is every
// top-level key except the metadata block.
func extractRow(event map[string]json.RawMessage, flat bool) (map[string]interface{}, error) {
	if !flat {
		payloadRaw, ok := event[payloadKey]
		if !ok || string(payloadRaw) == "null" {
			// Deletes may omit the payload entirely.
			return map[string]interface{}{}, nil
		}
		var row map[string]interface{}
		if err := json.Unmarshal(payloadRaw, &row); err != nil {
			return nil, errors.NewEnvelopeError(errors.CodeMalformedEnvelope,
				"payload is not an object", err)
		}
		return row, nil
	}

	row := make(map[string]interface{}, len(event))
	for k, v := range event {
		if k == flatMetadataKey {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, errors.NewEnvelopeError(errors.CodeMalformedEnvelope,
				fmt.Sprintf("field %q is not valid JSON", k), err)
		}
		row[k] = val
	}
	return row, nil
}
