// Package deadletter provides a durable capture point for change events that
// cannot be classified or validated.
package deadletter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Reason classifies why an event was dead-lettered.
type Reason string

const (
	// ReasonUnknownEntityKind means no handler is registered for the event's entity kind
	ReasonUnknownEntityKind Reason = "UNKNOWN_ENTITY_KIND"

	// ReasonMalformedEnvelope means the event's metadata or position could not be parsed
	ReasonMalformedEnvelope Reason = "MALFORMED_ENVELOPE"

	// ReasonHandlerRejected means the row failed entity-specific shape validation
	ReasonHandlerRejected Reason = "HANDLER_REJECTED"
)

// Record is one dead-lettered event: the original, unmodified inbound payload
// plus a reason code and capture metadata.
type Record struct {
	// ID uniquely identifies the dead-letter record
	ID string `json:"id"`

	// Reason is the classification code
	Reason Reason `json:"reason"`

	// Detail is the error text that caused the capture, if any
	Detail string `json:"detail,omitempty"`

	// Event is the original inbound payload, byte for byte
	Event json.RawMessage `json:"event"`

	// CapturedAt is the capture time in Unix nanoseconds
	CapturedAt int64 `json:"captured_at"`
}

// Archiver uploads rotated segments to object storage. Satisfied by
// storage.ObjectStorage.
type Archiver interface {
	Upload(ctx context.Context, localPath, objectPath string) error
}

// Sink is a durable, append-only dead-letter log. Records are framed as
// [length:4][crc32:4][snappy payload] in size-bounded segment files; rotated
// segments are optionally archived to object storage.
type Sink struct {
	dir        string
	maxSegSize int64

	mu        sync.Mutex
	segment   *os.File
	segmentID uint64
	offset    int64
	count     int64

	archiver      Archiver
	archivePrefix string
	wg            sync.WaitGroup
}

// Option configures a Sink.
type Option func(*Sink)

// WithArchiver enables archival of rotated segments under the given object
// path prefix.
func WithArchiver(a Archiver, prefix string) Option {
	return func(s *Sink) {
		s.archiver = a
		s.archivePrefix = prefix
	}
}

// NewSink creates a dead-letter sink writing segments under dir.
func NewSink(dir string, maxSegSize int64, opts ...Option) (*Sink, error) {
	if maxSegSize <= 0 {
		return nil, fmt.Errorf("deadletter: maxSegSize must be positive, got %d", maxSegSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("deadletter: failed to create directory: %w", err)
	}

	s := &Sink{
		dir:        dir,
		maxSegSize: maxSegSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.findLastSegment(); err != nil {
		return nil, err
	}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

// findLastSegment finds the highest segment ID among existing files.
func (s *Sink) findLastSegment() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("deadletter: failed to read directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(file.Name(), segmentPattern, &id); err == nil && id > s.segmentID {
			s.segmentID = id
		}
	}
	return nil
}

const segmentPattern = "dlq_%016x.log"

// openSegment opens the current segment file for appending.
func (s *Sink) openSegment() error {
	segPath := filepath.Join(s.dir, fmt.Sprintf(segmentPattern, s.segmentID))

	file, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("deadletter: failed to open segment: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("deadletter: failed to stat segment: %w", err)
	}

	s.segment = file
	s.offset = stat.Size()
	return nil
}

// Append captures an event with the given reason. The original payload is
// stored unmodified. Returns the durable record.
func (s *Sink) Append(reason Reason, detail string, event json.RawMessage) (Record, error) {
	rec := Record{
		ID:         uuid.New().String(),
		Reason:     reason,
		Detail:     detail,
		Event:      event,
		CapturedAt: time.Now().UnixNano(),
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("deadletter: failed to serialize record: %w", err)
	}
	compressed := snappy.Encode(nil, payload)
	crc := crc32.ChecksumIEEE(compressed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.segment == nil {
		return Record{}, fmt.Errorf("deadletter: sink is closed")
	}

	if err := binary.Write(s.segment, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return Record{}, fmt.Errorf("deadletter: failed to write length: %w", err)
	}
	if err := binary.Write(s.segment, binary.LittleEndian, crc); err != nil {
		return Record{}, fmt.Errorf("deadletter: failed to write CRC: %w", err)
	}
	if _, err := s.segment.Write(compressed); err != nil {
		return Record{}, fmt.Errorf("deadletter: failed to write payload: %w", err)
	}
	if err := s.segment.Sync(); err != nil {
		return Record{}, fmt.Errorf("deadletter: failed to fsync: %w", err)
	}

	s.offset += int64(8 + len(compressed))
	s.count++

	if s.offset >= s.maxSegSize {
		if err := s.rotateLocked(); err != nil {
			return Record{}, err
		}
	}

	return rec, nil
}

// rotateLocked closes the current segment, schedules its archival, and opens
// a fresh one. Caller holds s.mu.
func (s *Sink) rotateLocked() error {
	name := fmt.Sprintf(segmentPattern, s.segmentID)
	if err := s.segment.Close(); err != nil {
		return fmt.Errorf("deadletter: failed to close segment: %w", err)
	}

	if s.archiver != nil {
		localPath := filepath.Join(s.dir, name)
		objectPath := path.Join(s.archivePrefix, name)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := s.archiver.Upload(ctx, localPath, objectPath); err != nil {
				log.Printf("deadletter: failed to archive segment %s: %v", name, err)
				return
			}
			log.Printf("deadletter: archived segment %s", name)
		}()
	}

	s.segmentID++
	return s.openSegment()
}

// Count returns the number of records appended since the sink was opened.
func (s *Sink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Dir returns the sink's segment directory.
func (s *Sink) Dir() string {
	return s.dir
}

// Close fsyncs and closes the current segment and waits for pending archive
// uploads.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.segment != nil {
		if err := s.segment.Sync(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("deadletter: failed to fsync on close: %w", err)
		}
		if err := s.segment.Close(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("deadletter: failed to close segment: %w", err)
		}
		s.segment = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
