package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmgilman/go/errors"
)

var memoryDBCounter atomic.Int64

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens the stores kept in the given sqlite file.
// If file name is empty or "memory", a new private in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" || filename == "memory" {
		filename = fmt.Sprintf("file:shellcache-%d?mode=memory&cache=shared", memoryDBCounter.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "could not open sqlite db %s", filename)
	}
	// a single connection keeps the shared in-memory db alive and avoids table lock errors
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CodeDatabase, "could not initialize sqlite db")
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Open(name string) (Store, error) {
	// existing stores are opened without taking the write path
	var exists int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stores WHERE name = ?", name).Scan(&exists)
	if err != nil {
		return nil, errors.WithContext(
			errors.Wrap(err, errors.CodeDatabase, "could not open store"), "store", name)
	}
	if exists > 0 {
		return sqliteStore{name: name, provider: s}, nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		return nil, errors.WithContext(
			errors.Wrap(err, errors.CodeDatabase, "could not open store"), "store", name)
	}
	return sqliteStore{name: name, provider: s}, nil
}

func (s *SQLiteProvider) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list stores")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "could not list stores")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store")
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store entries")
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store")
	}
	return deleted > 0, nil
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	name     string
	provider *SQLiteProvider
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Match(key string) (Entry, bool, error) {
	var bytes []byte
	err := s.provider.db.QueryRow("SELECT bytes FROM entries WHERE store = ? AND key = ?", s.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "could not match entry")
	}
	e, err := unmarshalEntry(s.name, key, bytes)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s sqliteStore) Put(key string, e Entry) error {
	bytes, err := marshalEntry(e)
	if err != nil {
		return err
	}
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()
	// the entry is only written while the store exists
	_, err = s.provider.db.Exec(`INSERT OR REPLACE INTO entries (store, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`,
		s.name, key, e.StoredAt.Unix(), bytes, s.name)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not put entry")
	}
	return nil
}

func (s sqliteStore) Keys(cb func(string)) error {
	keys, err := s.keys()
	if err != nil {
		return err
	}
	// callbacks run after the rows are released, since there is only one connection
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s sqliteStore) keys() ([]string, error) {
	rows, err := s.provider.db.Query("SELECT key FROM entries WHERE store = ?", s.name)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list keys")
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "could not list keys")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list keys")
	}
	return keys, nil
}

func (s sqliteStore) Len() (int, error) {
	var n int
	err := s.provider.db.QueryRow("SELECT COUNT(*) FROM entries WHERE store = ?", s.name).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "could not count entries")
	}
	return n, nil
}
