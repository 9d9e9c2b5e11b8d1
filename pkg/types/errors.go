package types

import "errors"

// Envelope parsing errors
var (
	// ErrMalformedPosition is returned when a log position string cannot be
	// parsed to an unsigned integer
	ErrMalformedPosition = errors.New("malformed position")

	// ErrMissingMetadata is returned when a change event lacks the entity
	// kind or operation in its metadata block
	ErrMissingMetadata = errors.New("missing metadata")
)
