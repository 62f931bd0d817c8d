package index

import (
	"sort"
	"sync"
)

// per-entry map overhead estimate
const memEntryOverhead = 64

// Memory is an in-memory hash index. Range and iteration sort the keys on
// demand.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	size   int64
	closed bool
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Index.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

// Range implements Index.
func (m *Memory) Range(start, end string) ([]Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var keys []string
	for k := range m.data {
		if k >= start && k < end {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]Pair, len(keys))
	for i, k := range keys {
		pairs[i] = Pair{Key: k, Value: append([]byte(nil), m.data[k]...)}
	}
	return pairs, nil
}

// Insert implements Index.
func (m *Memory) Insert(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if old, ok := m.data[key]; ok {
		m.size -= int64(len(old))
	} else {
		m.size += int64(len(key)) + memEntryOverhead
	}
	m.data[key] = append([]byte(nil), value...)
	m.size += int64(len(value))
	return nil
}

// Delete implements Index.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if old, ok := m.data[key]; ok {
		m.size -= int64(len(key)+len(old)) + memEntryOverhead
		delete(m.data, key)
	}
	return nil
}

// Iterate implements Index. The key set is captured when the iterator is
// created; values are read lazily and keys deleted in the meantime are
// skipped.
func (m *Memory) Iterate() (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memIterator{m: m, keys: keys, pos: -1}, nil
}

// Len implements Index.
func (m *Memory) Len() int {
	m.mu.RLock()
	n := len(m.data)
	m.mu.RUnlock()
	return n
}

// Kind implements Index.
func (*Memory) Kind() Kind { return KindMemory }

// MemoryBytes implements Index.
func (m *Memory) MemoryBytes() int64 {
	m.mu.RLock()
	n := m.size
	m.mu.RUnlock()
	return n
}

// DiskBytes implements Index.
func (*Memory) DiskBytes() int64 { return 0 }

// Close implements Index.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.size = 0
	return nil
}

type memIterator struct {
	m    *Memory
	keys []string
	pos  int
	val  []byte
	err  error
}

func (it *memIterator) Next() bool {
	if it.err != nil {
		return false
	}

	it.m.mu.RLock()
	defer it.m.mu.RUnlock()

	if it.m.closed {
		it.err = ErrClosed
		return false
	}
	for it.pos+1 < len(it.keys) {
		it.pos++
		if val, ok := it.m.data[it.keys[it.pos]]; ok {
			it.val = val
			return true
		}
	}
	it.val = nil
	return false
}

func (it *memIterator) Key() string {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return ""
	}
	return it.keys[it.pos]
}

func (it *memIterator) Value() []byte { return it.val }
func (it *memIterator) Err() error    { return it.err }
func (it *memIterator) Release()      { it.keys, it.val = nil, nil }
