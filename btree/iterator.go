package btree

import "errors"

var errReleased = errors.New("btree: iterator was released")

// Iterator walks the leaf chain in ascending key order.
type Iterator struct {
	t      *Tree
	n      *node
	pos    int
	locked bool
	done   bool

	err error
}

// Next advances the cursor to the next entry and returns true if successful.
func (i *Iterator) Next() bool {
	if i.err != nil || i.done {
		return false
	}

	i.pos++
	for i.pos >= len(i.n.keys) {
		if i.n.next == 0 {
			i.finish()
			return false
		}

		n, err := i.t.load(i.n.next)
		if err != nil {
			i.err = err
			i.finish()
			return false
		}
		i.n, i.pos = n, 0
	}
	return true
}

// Key returns the key of the current entry.
func (i *Iterator) Key() string {
	if i.done || i.n == nil || i.pos < 0 {
		return ""
	}
	return i.n.keys[i.pos]
}

// Value returns the value of the current entry. Please note that values
// must be copied if used beyond the next cursor move.
func (i *Iterator) Value() []byte {
	if i.done || i.n == nil || i.pos < 0 {
		return nil
	}
	return i.n.vals[i.pos]
}

// Err exposes iterator errors, if any.
func (i *Iterator) Err() error {
	if i.err == errReleased {
		return nil
	}
	return i.err
}

// Release releases the iterator and the tree read lock. It is safe to call
// more than once.
func (i *Iterator) Release() {
	i.finish()
	if i.err == nil {
		i.err = errReleased
	}
}

func (i *Iterator) finish() {
	i.done = true
	i.n = nil
	i.unlock()
}

func (i *Iterator) unlock() {
	if i.locked {
		i.locked = false
		i.t.mu.RUnlock()
	}
}
