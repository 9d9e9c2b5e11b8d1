package deadletter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
)

// ReadSegment reads all records from one segment file. Entries with CRC
// mismatches or truncated writes are skipped, matching the append framing's
// crash-consistency model.
func ReadSegment(segmentPath string) ([]Record, error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to open segment: %w", err)
	}
	defer file.Close()

	var records []Record
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("deadletter: failed to read length: %w", err)
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break // truncated frame header
		}

		compressed := make([]byte, length)
		if _, err := io.ReadFull(file, compressed); err != nil {
			break // truncated write
		}

		if crc32.ChecksumIEEE(compressed) != crc {
			log.Printf("deadletter: CRC mismatch in %s, skipping entry", segmentPath)
			continue
		}

		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			log.Printf("deadletter: snappy decode failed in %s, skipping entry", segmentPath)
			continue
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// Segments lists segment files under dir, oldest first.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to read directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(entry.Name(), segmentPattern, &id); err == nil {
			segments = append(segments, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// Tail returns up to limit of the most recent records under dir, newest
// first. Used by the operator inspection surfaces.
func Tail(dir string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	segments, err := Segments(dir)
	if err != nil {
		return nil, err
	}

	var out []Record
	// Walk segments newest first; within a segment records are appended in
	// order, so reverse them.
	for i := len(segments) - 1; i >= 0 && len(out) < limit; i-- {
		records, err := ReadSegment(segments[i])
		if err != nil {
			return nil, err
		}
		for j := len(records) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, records[j])
		}
	}
	return out, nil
}
