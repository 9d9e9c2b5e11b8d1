package sink

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starforge/starforge/internal/errors"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/pkg/types"
)

// SQLite is a Store backed by a single SQLite database file: one table per
// stream, holding every appended record. Last-write-wins reconciliation is
// applied at read time by selecting the greatest-version record per key,
// which keeps appends blind and makes out-of-order replays harmless.
type SQLite struct {
	db *sql.DB

	mu      sync.RWMutex
	streams map[string]*sqliteStream
}

type sqliteStream struct {
	key    string
	fields []schema.Field
}

// NewSQLite opens (or creates) the store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewSinkError(errors.CodeSinkUnavailable, "failed to open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewSinkError(errors.CodeSinkUnavailable, "failed to connect", err)
	}

	return &SQLite{
		db:      db,
		streams: make(map[string]*sqliteStream),
	}, nil
}

// EnsureStream creates the stream's table and version index if absent.
func (s *SQLite) EnsureStream(ctx context.Context, stream, key string, fields []schema.Field) error {
	if !validIdentifier(stream) {
		return errors.New(errors.ErrCategorySink, errors.CodeAppendFailed,
			fmt.Sprintf("invalid stream name %q", stream))
	}
	keyDeclared := false
	for _, f := range fields {
		if !validIdentifier(f.Name) {
			return errors.New(errors.ErrCategorySink, errors.CodeAppendFailed,
				fmt.Sprintf("stream %s: invalid column name %q", stream, f.Name))
		}
		if f.Name == key {
			keyDeclared = true
		}
	}
	if !keyDeclared {
		return errors.New(errors.ErrCategorySink, errors.CodeAppendFailed,
			fmt.Sprintf("stream %s: key %q is not a declared column", stream, key))
	}

	cols := make([]string, 0, len(fields)+2)
	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%q %s", f.Name, f.SQLType()))
	}
	cols = append(cols,
		fmt.Sprintf("%q INTEGER NOT NULL", types.FieldIsDeleted),
		fmt.Sprintf("%q INTEGER NOT NULL", types.FieldVersion))

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", stream, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.NewSinkError(errors.CodeSinkUnavailable, fmt.Sprintf("failed to create stream %s", stream), err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (%q, %q)",
		"idx_"+stream+"_key_version", stream, key, types.FieldVersion)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return errors.NewSinkError(errors.CodeSinkUnavailable, fmt.Sprintf("failed to index stream %s", stream), err)
	}

	s.mu.Lock()
	s.streams[stream] = &sqliteStream{key: key, fields: fields}
	s.mu.Unlock()
	return nil
}

// Append inserts one record. Never updates or deletes existing rows.
func (s *SQLite) Append(ctx context.Context, stream string, rec types.VersionedRecord) error {
	st, err := s.lookup(stream)
	if err != nil {
		return err
	}
	// The version column is a signed SQLite INTEGER; a position past
	// math.MaxInt64 would wrap negative and corrupt version ordering.
	if rec.Version > math.MaxInt64 {
		return errors.New(errors.ErrCategorySink, errors.CodeAppendFailed,
			fmt.Sprintf("stream %s: version %d exceeds the storable range", stream, rec.Version))
	}

	names := make([]string, 0, len(st.fields)+2)
	marks := make([]string, 0, len(st.fields)+2)
	args := make([]interface{}, 0, len(st.fields)+2)
	for _, f := range st.fields {
		names = append(names, fmt.Sprintf("%q", f.Name))
		marks = append(marks, "?")
		args = append(args, toSQLValue(rec.Fields[f.Name]))
	}
	names = append(names, fmt.Sprintf("%q", types.FieldIsDeleted), fmt.Sprintf("%q", types.FieldVersion))
	marks = append(marks, "?", "?")
	args = append(args, int64(rec.IsDeleted), int64(rec.Version))

	query := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		stream, strings.Join(names, ", "), strings.Join(marks, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.NewSinkError(errors.CodeAppendFailed, fmt.Sprintf("stream %s", stream), err)
	}
	return nil
}

// currentQuery selects the greatest-version row per key. Ties on version are
// broken by insertion order (rowid), so re-emitting an identical version is
// a no-op on current state.
func (st *sqliteStream) currentQuery(stream string) string {
	names := make([]string, 0, len(st.fields)+2)
	for _, f := range st.fields {
		names = append(names, fmt.Sprintf("a.%q", f.Name))
	}
	names = append(names, fmt.Sprintf("a.%q", types.FieldIsDeleted), fmt.Sprintf("a.%q", types.FieldVersion))

	return fmt.Sprintf(
		`SELECT %s FROM %q a
		 WHERE a.rowid = (
		   SELECT b.rowid FROM %q b WHERE b.%q = a.%q
		   ORDER BY b.%q DESC, b.rowid DESC LIMIT 1
		 ) AND a.%q = 0`,
		strings.Join(names, ", "), stream,
		stream, st.key, st.key,
		types.FieldVersion,
		types.FieldIsDeleted)
}

// Current returns one row per live key.
func (s *SQLite) Current(ctx context.Context, stream string) ([]Row, error) {
	st, err := s.lookup(stream)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, st.currentQuery(stream))
	if err != nil {
		return nil, errors.NewSinkError(errors.CodeSinkUnavailable, fmt.Sprintf("stream %s", stream), err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := st.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSinkError(errors.CodeSinkUnavailable, fmt.Sprintf("stream %s", stream), err)
	}
	return out, nil
}

// CurrentRow returns the current row for one key.
func (s *SQLite) CurrentRow(ctx context.Context, stream string, pk uint64) (Row, bool, error) {
	st, err := s.lookup(stream)
	if err != nil {
		return nil, false, err
	}

	query := st.currentQuery(stream) + fmt.Sprintf(" AND a.%q = ?", st.key)
	rows, err := s.db.QueryContext(ctx, query, int64(pk))
	if err != nil {
		return nil, false, errors.NewSinkError(errors.CodeSinkUnavailable, fmt.Sprintf("stream %s", stream), err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := st.scan(rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// scan reads one result row back into declared field types.
func (st *sqliteStream) scan(rows *sql.Rows) (Row, error) {
	dest := make([]interface{}, len(st.fields)+2)
	for i := range dest {
		dest[i] = new(interface{})
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, errors.NewSinkError(errors.CodeSinkUnavailable, "scan failed", err)
	}

	row := make(Row, len(st.fields)+2)
	for i, f := range st.fields {
		row[f.Name] = fromSQLValue(f.Type, *dest[i].(*interface{}))
	}
	deleted := *dest[len(st.fields)].(*interface{})
	version := *dest[len(st.fields)+1].(*interface{})
	row[types.FieldIsDeleted] = uint8(deleted.(int64))
	row[types.FieldVersion] = uint64(version.(int64))
	return row, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) lookup(stream string) (*sqliteStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[stream]
	if !ok {
		return nil, errors.New(errors.ErrCategorySink, errors.CodeAppendFailed,
			fmt.Sprintf("stream %q not declared", stream))
	}
	return st, nil
}

// toSQLValue maps decoded field values onto driver-friendly types.
func toSQLValue(v interface{}) interface{} {
	switch n := v.(type) {
	case uint64:
		return int64(n)
	case uint8:
		return int64(n)
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// fromSQLValue converts a scanned value back to the declared field type.
// NULLs stay nil (enrichment misses are stored as NULL).
func fromSQLValue(ft schema.FieldType, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch ft {
	case schema.FieldUint:
		if n, ok := v.(int64); ok {
			return uint64(n)
		}
	case schema.FieldBool:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	case schema.FieldFloat:
		if f, ok := v.(float64); ok {
			return f
		}
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	case schema.FieldString, schema.FieldTime:
		if s, ok := v.(string); ok {
			return s
		}
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}

// validIdentifier checks that a stream or column name is a safe SQL
// identifier: letters, digits, underscores, not starting with a digit.
func validIdentifier(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
