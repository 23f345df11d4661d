// Package store is the local structured store: persistent, versioned
// collections of JSON records with secondary indexes, backed by SQLite.
//
// When the database cannot be opened every operation returns an error
// wrapping ErrStorageUnavailable. Callers are expected to treat that as a
// cache miss.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("record not found")
	ErrExists             = errors.New("record already exists")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrUnknownIndex       = errors.New("unknown index")

	// ErrSkipUpdate can be returned from an Update callback to leave the
	// record untouched without reporting an error.
	ErrSkipUpdate = errors.New("skip update")

	errClosed = errors.New("store closed")
)

// Record is a stored value with its key.
type Record struct {
	Key       string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Decode unmarshals the record data into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// Store owns the single SQLite connection for a data directory.
type Store struct {
	dataDir     string
	collections map[string]Collection
	logger      *zap.Logger

	initGroup singleflight.Group
	opens     atomic.Int32

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New creates a store for dataDir. Nothing is opened until Init or the first
// operation. Pass ":memory:" for an in-memory database.
func New(dataDir string, schema Schema, logger *zap.Logger) *Store {
	cols := make(map[string]Collection, len(schema.Collections))
	for _, c := range schema.Collections {
		cols[c.Name] = c
	}
	return &Store{
		dataDir:     dataDir,
		collections: cols,
		logger:      logger.Named("store"),
	}
}

// Init opens the database, applies migrations and reconciles collection
// indexes. Concurrent callers share a single attempt; once it succeeds later
// calls return immediately. A failed attempt is not cached.
func (s *Store) Init(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}

	_, err, _ := s.initGroup.Do("init", func() (any, error) {
		if s.current() != nil {
			return nil, nil
		}

		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return nil, errClosed
		}

		db, err := s.open(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			db.Close()
			return nil, errClosed
		}
		s.db = db
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("local store unavailable",
			zap.String("data_dir", s.dataDir),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the connection. Subsequent operations fail with ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) current() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	db := s.current()
	if db == nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, errClosed)
	}
	return db, nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	s.opens.Add(1)

	var dsn string
	if s.dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(s.dataDir, "compass.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: SQLite serializes writers anyway and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.reconcile(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconciling collections: %w", err)
	}

	s.logger.Info("local store opened",
		zap.String("data_dir", s.dataDir),
		zap.Int("collections", len(s.collections)),
	)
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// reconcile rebuilds index entries for collections whose definition changed
// since the database was last opened.
func (s *Store) reconcile(ctx context.Context, db *sql.DB) error {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		col := s.collections[name]
		sig := col.signature()

		var stored string
		err := db.QueryRowContext(ctx, "SELECT signature FROM collections WHERE name = ?", name).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading collection %s: %w", name, err)
		}
		if stored == sig {
			continue
		}

		if err := s.reindex(ctx, db, col); err != nil {
			return err
		}
		s.logger.Info("collection indexes rebuilt",
			zap.String("collection", name),
			zap.String("signature", sig),
		)
	}
	return nil
}

func (s *Store) reindex(ctx context.Context, db *sql.DB, col Collection) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reindex of %s: %w", col.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM record_index WHERE collection = ?", col.Name); err != nil {
		return fmt.Errorf("clearing index of %s: %w", col.Name, err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT key, data FROM records WHERE collection = ?", col.Name)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", col.Name, err)
	}
	type kv struct {
		key  string
		data []byte
	}
	var all []kv
	for rows.Next() {
		var r kv
		if err := rows.Scan(&r.key, &r.data); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range all {
		if err := writeIndex(ctx, tx, col, r.key, r.data); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collections (name, version, signature, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version, signature = excluded.signature, updated_at = excluded.updated_at`,
		col.Name, col.Version, col.signature(), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("recording collection %s: %w", col.Name, err)
	}

	return tx.Commit()
}

func (s *Store) collection(name string) (Collection, error) {
	col, ok := s.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return col, nil
}

func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return t, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding record: %w", err)
		}
		return data, nil
	}
}

// --- Operations ---

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, collection, key string) (Record, error) {
	if _, err := s.collection(collection); err != nil {
		return Record{}, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return Record{}, err
	}

	var data, updatedAt string
	err = db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM records WHERE collection = ? AND key = ?", collection, key,
	).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading %s/%s: %w", collection, key, err)
	}
	return newRecord(key, data, updatedAt)
}

// Put writes value under key, replacing any existing record.
func (s *Store) Put(ctx context.Context, collection, key string, value any) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning put: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, key, string(data), now(),
	); err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, key, err)
	}
	if err := writeIndex(ctx, tx, col, key, data); err != nil {
		return err
	}
	return tx.Commit()
}

// Insert writes value only if key is absent. It reports whether the record was created.
func (s *Store) Insert(ctx context.Context, collection, key string, value any) (bool, error) {
	col, err := s.collection(collection)
	if err != nil {
		return false, err
	}
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO NOTHING`,
		collection, key, string(data), now(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting %s/%s: %w", collection, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := writeIndex(ctx, tx, col, key, data); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Update performs a read-modify-write of a single record inside one
// transaction. fn receives the current data and returns the replacement;
// returning ErrSkipUpdate leaves the record as is.
func (s *Store) Update(ctx context.Context, collection, key string, fn func(current json.RawMessage) (any, error)) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT data FROM records WHERE collection = ? AND key = ?", collection, key,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s/%s: %w", collection, key, err)
	}

	next, err := fn(json.RawMessage(current))
	if errors.Is(err, ErrSkipUpdate) {
		return nil
	}
	if err != nil {
		return err
	}
	data, err := encode(next)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND key = ?",
		string(data), now(), collection, key,
	); err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, key, err)
	}
	if err := writeIndex(ctx, tx, col, key, data); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes the record under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = ? AND key = ?", collection, key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM record_index WHERE collection = ? AND key = ?", collection, key); err != nil {
		return fmt.Errorf("deleting index of %s/%s: %w", collection, key, err)
	}
	return tx.Commit()
}

// Query returns records whose index entry equals value, ordered by key.
// An empty index scans the whole collection. filter, when non-nil, is applied
// after the index lookup.
func (s *Store) Query(ctx context.Context, collection, index, value string, filter func(Record) bool) ([]Record, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if index != "" {
		if _, ok := col.index(index); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
		}
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if index == "" {
		rows, err = db.QueryContext(ctx,
			"SELECT key, data, updated_at FROM records WHERE collection = ? ORDER BY key", collection)
	} else {
		rows, err = db.QueryContext(ctx, `
			SELECT r.key, r.data, r.updated_at
			FROM record_index i
			JOIN records r ON r.collection = i.collection AND r.key = i.key
			WHERE i.collection = ? AND i.index_name = ? AND i.value = ?
			ORDER BY r.key`, collection, index, value)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key, data, updatedAt string
		if err := rows.Scan(&key, &data, &updatedAt); err != nil {
			return nil, err
		}
		rec, err := newRecord(key, data, updatedAt)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func writeIndex(ctx context.Context, tx *sql.Tx, col Collection, key string, data []byte) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM record_index WHERE collection = ? AND key = ?", col.Name, key,
	); err != nil {
		return fmt.Errorf("clearing index of %s/%s: %w", col.Name, key, err)
	}
	if len(col.Indexes) == 0 {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		// Non-object values are stored but not indexed.
		return nil
	}

	for _, idx := range col.Indexes {
		for _, v := range idx.Extract(doc) {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO record_index (collection, index_name, value, key) VALUES (?, ?, ?, ?)",
				col.Name, idx.Name, v, key,
			); err != nil {
				return fmt.Errorf("indexing %s/%s on %s: %w", col.Name, key, idx.Name, err)
			}
		}
	}
	return nil
}

func newRecord(key, data, updatedAt string) (Record, error) {
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing updated_at for %s: %w", key, err)
	}
	return Record{Key: key, Data: json.RawMessage(data), UpdatedAt: t}, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
