package cache

import "github.com/jmgilman/go/errors"

// OpenProvider opens a provider by kind: sqlite, leveldb or memory.
func OpenProvider(kind, path string) (Provider, error) {
	switch kind {
	case "sqlite":
		if path == "" {
			path = "cache.db"
		}
		return NewSQLiteProvider(path)
	case "leveldb":
		if path == "" {
			path = "./data/leveldb"
		}
		return NewLevelDBProvider(path)
	case "memory", "":
		return NewMemProvider(), nil
	default:
		return nil, errors.WithContext(
			errors.New(errors.CodeInvalidConfig, "unsupported cache provider"), "provider", kind)
	}
}
