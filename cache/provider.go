package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	serializer "github.com/always-cache/shellcache/pkg/response-serializer"
	"github.com/jmgilman/go/errors"
)

// InstalledMarkerKey is the entry key under which a store records
// that its warm-up phase completed.
// It is not a valid request key, so it never collides with cached responses.
const InstalledMarkerKey = "\x00installed"

// Provider owns a set of named stores.
// Storage is expected to be persistent across process restarts,
// unless the provider is explicitly an in-memory one.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns a handle to the store with the given name.
	// The store is created if it does not exist yet.
	Open(name string) (Store, error)
	// Stores returns the names of all existing stores, sorted.
	Stores() ([]string, error)
	// Delete removes the named store and all of its entries.
	// It reports whether a store was actually removed.
	// Deleting a store that does not exist is not an error.
	Delete(name string) (bool, error)
	// Close releases the underlying storage.
	Close() error
}

// Store is a handle to a single named store.
// Writes through a handle whose store has since been deleted are discarded.
type Store interface {
	// Name returns the store name this handle is bound to.
	Name() string
	// Match returns the entry stored under the given request key.
	// The boolean is false on a miss.
	Match(key string) (Entry, bool, error)
	// Put stores the entry under the given key, replacing any existing entry.
	Put(key string, e Entry) error
	// Keys calls the given callback for each key in the store.
	Keys(cb func(string)) error
	// Len returns the number of entries in the store.
	Len() (int, error)
}

// Entry is an immutable snapshot of a response.
type Entry struct {
	Key      string
	Store    string
	Status   int
	Header   http.Header
	Body     []byte
	Opaque   bool
	StoredAt time.Time
}

// NewEntry reads the full body of res and creates an entry from it.
// The response body is replaced by an equivalent reader, so the response
// can still be handed to a caller.
func NewEntry(key string, res *http.Response, opaque bool) (Entry, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Entry{}, errors.Wrap(err, errors.CodeNetwork, "could not read response body")
		}
		body = b
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	return Entry{
		Key:      key,
		Status:   res.StatusCode,
		Header:   res.Header.Clone(),
		Body:     body,
		Opaque:   opaque,
		StoredAt: time.Now(),
	}, nil
}

// Response creates a fresh response from the entry.
// Every call returns an independent body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// marshalEntry converts an entry to its stored byte representation.
func marshalEntry(e Entry) ([]byte, error) {
	b, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: e.Response(nil),
		StoredAt: e.StoredAt,
		Opaque:   e.Opaque,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not serialize entry")
	}
	return b, nil
}

// unmarshalEntry converts stored bytes back to an entry.
func unmarshalEntry(store, key string, b []byte) (Entry, error) {
	sr, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.CodeDatabase, "could not deserialize entry")
	}
	defer sr.Response.Body.Close()
	body, err := io.ReadAll(sr.Response.Body)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.CodeDatabase, "could not read stored body")
	}
	return Entry{
		Key:      key,
		Store:    store,
		Status:   sr.Response.StatusCode,
		Header:   sr.Response.Header,
		Body:     body,
		Opaque:   sr.Opaque,
		StoredAt: sr.StoredAt,
	}, nil
}
