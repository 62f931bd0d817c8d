// Package index defines the ordered key/value index contract shared by all
// backends, plus an in-memory hash backend.
package index

import "errors"

// ErrClosed is returned when operating on a closed index.
var ErrClosed = errors.New("index: closed")

// Kind identifies a backend.
type Kind string

// Known backends.
const (
	KindMemory Kind = "memory"
	KindBTree  Kind = "btree"
)

// ParseKind parses a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMemory, KindBTree:
		return Kind(s), nil
	}
	return "", errors.New("index: unknown backend " + s)
}

// Pair is a key/value pair.
type Pair struct {
	Key   string
	Value []byte
}

// Index is implemented by all backends. Readers (Get, Range, Iterate) may
// run concurrently; writers are exclusive.
type Index interface {
	// Get returns the value stored under key.
	Get(key string) ([]byte, bool, error)
	// Range returns all pairs with start <= key < end in ascending order.
	Range(start, end string) ([]Pair, error)
	// Insert stores a value, replacing any previous one.
	Insert(key string, value []byte) error
	// Delete removes a key. Deleting a missing key is a no-op.
	Delete(key string) error
	// Iterate returns a lazy ascending iterator over all pairs.
	Iterate() (Iterator, error)

	// Len returns the number of entries.
	Len() int
	// Kind returns the backend kind.
	Kind() Kind
	// MemoryBytes returns the approximate heap footprint.
	MemoryBytes() int64
	// DiskBytes returns the approximate on-disk footprint.
	DiskBytes() int64

	Close() error
}

// Iterator iterates over pairs in ascending key order.
type Iterator interface {
	// Next advances the cursor.
	Next() bool
	// Key returns the current key.
	Key() string
	// Value returns the current value. The slice is only valid until the next
	// call to Next.
	Value() []byte
	// Err returns iterator errors.
	Err() error
	// Release releases the iterator. It must be called unless the iterator
	// was exhausted.
	Release()
}

// Collect drains an iterator.
func Collect(it Iterator) ([]Pair, error) {
	defer it.Release()

	var pairs []Pair
	for it.Next() {
		pairs = append(pairs, Pair{Key: it.Key(), Value: append([]byte(nil), it.Value()...)})
	}
	return pairs, it.Err()
}
