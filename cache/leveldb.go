package cache

import (
	"bytes"
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s:<store>                store marker
//	e:<store>\x00<key>       entry bytes
const (
	storePrefix = "s:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// LevelDBProvider keeps stores in a LevelDB directory.
// Writes are serialized, so a put can check for the store marker without racing a delete.
type LevelDBProvider struct {
	db *leveldb.DB
	mu sync.Mutex
}

func NewLevelDBProvider(path string) (*LevelDBProvider, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.WithContext(
			errors.Wrap(err, errors.CodeDatabase, "could not open leveldb"), "path", path)
	}
	return &LevelDBProvider{db: db}, nil
}

func storeMarker(name string) []byte {
	return []byte(storePrefix + name)
}

func entriesPrefix(name string) []byte {
	return []byte(entryPrefix + name + keySep)
}

func entryKey(name, key string) []byte {
	return []byte(entryPrefix + name + keySep + key)
}

func (p *LevelDBProvider) Open(name string) (Store, error) {
	exists, err := p.db.Has(storeMarker(name), nil)
	if err != nil {
		return nil, errors.WithContext(
			errors.Wrap(err, errors.CodeDatabase, "could not open store"), "store", name)
	}
	if exists {
		return levelStore{name: name, provider: p}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.db.Put(storeMarker(name), nil, nil); err != nil {
		return nil, errors.WithContext(
			errors.Wrap(err, errors.CodeDatabase, "could not open store"), "store", name)
	}
	return levelStore{name: name, provider: p}, nil
}

func (p *LevelDBProvider) Stores() ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(storePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list stores")
	}
	sort.Strings(names)
	return names, nil
}

func (p *LevelDBProvider) Delete(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exists, err := p.db.Has(storeMarker(name), nil)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store")
	}
	batch := new(leveldb.Batch)
	it := p.db.NewIterator(util.BytesPrefix(entriesPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store entries")
	}
	batch.Delete(storeMarker(name))
	if err := p.db.Write(batch, nil); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete store")
	}
	return exists, nil
}

func (p *LevelDBProvider) Close() error {
	return p.db.Close()
}

type levelStore struct {
	name     string
	provider *LevelDBProvider
}

func (s levelStore) Name() string {
	return s.name
}

func (s levelStore) Match(key string) (Entry, bool, error) {
	b, err := s.provider.db.Get(entryKey(s.name, key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "could not match entry")
	}
	e, err := unmarshalEntry(s.name, key, b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s levelStore) Put(key string, e Entry) error {
	b, err := marshalEntry(e)
	if err != nil {
		return err
	}
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	exists, err := s.provider.db.Has(storeMarker(s.name), nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not put entry")
	}
	if !exists {
		return nil
	}
	if err := s.provider.db.Put(entryKey(s.name, key), b, nil); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not put entry")
	}
	return nil
}

func (s levelStore) Keys(cb func(string)) error {
	prefix := entriesPrefix(s.name)
	it := s.provider.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		cb(string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not list keys")
	}
	return nil
}

func (s levelStore) Len() (int, error) {
	n := 0
	err := s.Keys(func(string) { n++ })
	return n, err
}
