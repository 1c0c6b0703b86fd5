package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Structural version a store name is migrated to at open time.
const currentStoreVersion = 1

// migratedStores remembers, per client process, which (path, store) pairs
// have already run their structural migration, so a second store under the
// same name never re-migrates. The durable counterpart is the store_versions
// table.
var migratedStores sync.Map

// migrationRuns counts actual structural migrations, for tests asserting the
// once-per-name guarantee.
var migrationRuns atomic.Int64

// persistedTier keeps records in a local SQLite database. Operation semantics
// match the local tier; only durability differs.
type persistedTier struct {
	db      *sql.DB
	store   string
	resolve ResolveFunc
	keys    KeyGenerator

	mu sync.Mutex
}

// openPersisted opens (or creates) the SQLite database at path and prepares
// the structural layout for the named store.
func openPersisted(path, name string, resolve ResolveFunc, keys KeyGenerator) (*persistedTier, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent sets.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrateStore(db, path, name); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store %q: %w", name, err)
	}

	return &persistedTier{db: db, store: name, resolve: resolve, keys: keys}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrateStore runs the one-time structural migration for a store name.
// The resulting version is remembered outside the records themselves: in the
// store_versions table and in the process-level migratedStores map.
func migrateStore(db *sql.DB, path, name string) error {
	mapKey := path + "\x00" + name
	if _, done := migratedStores.Load(mapKey); done {
		return nil
	}

	var version int
	err := db.QueryRow("SELECT version FROM store_versions WHERE store = ?", name).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		version = 0
	case err != nil:
		return fmt.Errorf("read store version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(
			"CREATE INDEX IF NOT EXISTS idx_records_store ON records(store)"); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		migrationRuns.Add(1)
		version = 1
	}

	if _, err := db.Exec(
		"INSERT INTO store_versions(store, version) VALUES(?, ?) "+
			"ON CONFLICT(store) DO UPDATE SET version = excluded.version",
		name, currentStoreVersion); err != nil {
		return fmt.Errorf("record store version: %w", err)
	}

	migratedStores.Store(mapKey, currentStoreVersion)
	return nil
}

func (t *persistedTier) Get(ctx context.Context, keyOrQuery any) (any, error) {
	if filter, ok := keyOrQuery.(map[string]any); ok {
		return t.query(ctx, filter)
	}

	key, err := NormalizeKey(keyOrQuery)
	if err != nil {
		return nil, err
	}

	var doc string
	err = t.db.QueryRowContext(ctx,
		"SELECT doc FROM records WHERE store = ? AND key = ?", t.store, key).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %q: %w", key, err)
	}
	return decodeRecord(doc)
}

func (t *persistedTier) query(ctx context.Context, filter map[string]any) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx,
		"SELECT doc FROM records WHERE store = ? ORDER BY key", t.store)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	if out == nil {
		out = []Record{}
	}
	return out, rows.Err()
}

func (t *persistedTier) Set(ctx context.Context, rec Record) (string, error) {
	key, ok := rec.Key()
	if !ok {
		if _, present := rec["key"]; present {
			_, err := NormalizeKey(rec["key"])
			return "", err
		}
		key = t.keys.Generate()
	}

	incoming := rec.Clone()
	incoming["key"] = key

	t.mu.Lock()
	defer t.mu.Unlock()

	existing := Record{}
	var doc string
	err := t.db.QueryRowContext(ctx,
		"SELECT doc FROM records WHERE store = ? AND key = ?", t.store, key).Scan(&doc)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return "", fmt.Errorf("read record %q: %w", key, err)
	default:
		existing, err = decodeRecord(doc)
		if err != nil {
			return "", err
		}
	}

	if err := mergeInto(ctx, t.resolve, existing, incoming); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(existing)
	if err != nil {
		return "", fmt.Errorf("encode record %q: %w", key, err)
	}
	if _, err := t.db.ExecContext(ctx,
		"INSERT INTO records(store, key, doc) VALUES(?, ?, ?) "+
			"ON CONFLICT(store, key) DO UPDATE SET doc = excluded.doc",
		t.store, key, string(encoded)); err != nil {
		return "", fmt.Errorf("write record %q: %w", key, err)
	}
	return key, nil
}

func (t *persistedTier) Delete(ctx context.Context, key string) error {
	_, err := t.db.ExecContext(ctx,
		"DELETE FROM records WHERE store = ? AND key = ?", t.store, key)
	if err != nil {
		return fmt.Errorf("delete record %q: %w", key, err)
	}
	return nil
}

func (t *persistedTier) Clear(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "DELETE FROM records WHERE store = ?", t.store)
	if err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

func (t *persistedTier) Close() error {
	return t.db.Close()
}

func decodeRecord(doc string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
