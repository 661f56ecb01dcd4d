package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty or "memory", a shared in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("open sqlite db %s: %w", filename, err)
	}
	// a single connection keeps in-memory dbs consistent and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return sqliteCache{name: name, storage: s}, nil
}

func (s SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM caches ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteStorage) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(`SELECT e.bytes FROM entries e
		JOIN caches c ON c.name = e.cache
		WHERE e.key = ?
		ORDER BY c.created_at ASC, c.rowid ASC LIMIT 1`, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

// Entries returns all entries of the named cache.
func (s SQLiteStorage) Entries(name string) ([]CacheEntry, error) {
	rows, err := s.db.Query("SELECT key, stored_at, bytes FROM entries WHERE cache = ? ORDER BY key", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]CacheEntry, 0)
	for rows.Next() {
		var entry CacheEntry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(0, storedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type sqliteCache struct {
	name    string
	storage SQLiteStorage
}

func (c sqliteCache) Name() string {
	return c.name
}

func (c sqliteCache) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := c.storage.db.QueryRow("SELECT bytes FROM entries WHERE cache = ? AND key = ?", c.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (c sqliteCache) Put(key string, bytes []byte) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	// the cache may have been deleted by an activation in the meantime
	var one int
	err := c.storage.db.QueryRow("SELECT 1 FROM caches WHERE name = ?", c.name).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("put %s: %w: %s", key, ErrNotFound, c.name)
	}
	if err != nil {
		return err
	}
	_, err = c.storage.db.Exec("INSERT OR REPLACE INTO entries (cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		c.name, key, time.Now().UnixNano(), bytes)
	return err
}

func (c sqliteCache) Keys() ([]string, error) {
	rows, err := c.storage.db.Query("SELECT key FROM entries WHERE cache = ? ORDER BY key", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
