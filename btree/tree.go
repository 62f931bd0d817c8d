package btree

import (
	"encoding/binary"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bsm/reedbase/index"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Tree is a disk-resident B+-Tree. Nodes are loaded lazily into an arena
// indexed by page id and written back after every mutation.
//
// Readers (Get, Range, iterators) may run concurrently and are exclusive
// with writers (Insert, Delete).
type Tree struct {
	mu sync.RWMutex
	f  *os.File
	o  *Options

	order    Order
	pageSize int
	budget   int

	// header state
	root      PageID
	pageCount uint32
	freeHead  PageID
	entries   uint64

	amu    sync.Mutex // protects pages during lazy loads
	pages  []*node
	loaded atomic.Int64

	dirty map[PageID]*node
	freed []PageID
	pw    *pageWriter
	hdr   []byte

	closed bool
	failed error // sticky, set when a mutation could not be written
}

// Open opens or creates a tree file at path. An empty file is initialised
// using the given options; an existing file keeps its order and page size.
func Open(path string, o *Options) (*Tree, error) {
	oo := o.norm()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "btree: open %s", path)
	}

	t, err := newTree(f, o, oo)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

func newTree(f *os.File, explicit, o *Options) (*Tree, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "btree: stat %s", f.Name())
	}

	t := &Tree{
		f:     f,
		o:     o,
		dirty: make(map[PageID]*node),
		hdr:   make([]byte, headerSize),
	}

	if stat.Size() == 0 {
		if t.order, err = NewOrder(o.Order); err != nil {
			return nil, err
		}
		t.pageSize = o.PageSize
		t.pageCount = 1
	} else if err := t.readHeader(); err != nil {
		return nil, err
	} else if explicit != nil {
		if explicit.Order != 0 && explicit.Order != t.order.Value() {
			return nil, errors.Wrapf(ErrOptionMismatch, "btree: order %d, file has %d", explicit.Order, t.order)
		}
		if explicit.PageSize != 0 && explicit.PageSize != t.pageSize {
			return nil, errors.Wrapf(ErrOptionMismatch, "btree: page size %d, file has %d", explicit.PageSize, t.pageSize)
		}
	}

	if t.pageSize < minPageSize {
		return nil, errors.Errorf("btree: page size %d is too small", t.pageSize)
	}
	if t.budget = cellBudget(t.pageSize, t.order); t.budget <= cellOverhead {
		return nil, errors.Errorf("btree: page size %d is too small for order %d", t.pageSize, t.order)
	}

	t.pw = newPageWriter(t.pageSize, o.Compression)
	t.pages = make([]*node, t.pageCount)

	if stat.Size() == 0 {
		if err := t.writeHeader(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Order returns the tree order.
func (t *Tree) Order() Order { return t.order }

// PageSize returns the page size.
func (t *Tree) PageSize() int { return t.pageSize }

// MaxEntrySize returns the largest combined key and value length accepted
// by Insert.
func (t *Tree) MaxEntrySize() int { return t.budget - cellOverhead }

// Get implements index.Index.
func (t *Tree) Get(key string) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, false, index.ErrClosed
	}
	if err := t.usable(); err != nil {
		return nil, false, err
	}
	if t.root == 0 {
		return nil, false, nil
	}

	n, err := t.findLeaf(key, nil, nil)
	if err != nil {
		return nil, false, err
	}
	if i, ok := n.search(key); ok {
		return append([]byte(nil), n.vals[i]...), true, nil
	}
	return nil, false, nil
}

// Range implements index.Index. It returns all pairs with start <= key < end.
func (t *Tree) Range(start, end string) ([]index.Pair, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, index.ErrClosed
	}
	if err := t.usable(); err != nil {
		return nil, err
	}

	it, err := t.seek(start, false)
	if err != nil {
		return nil, err
	}

	var pairs []index.Pair
	for it.Next() && it.Key() < end {
		pairs = append(pairs, index.Pair{Key: it.Key(), Value: append([]byte(nil), it.Value()...)})
	}
	return pairs, it.Err()
}

// Iterate implements index.Index. The iterator holds a read lock on the
// tree until it is released or exhausted.
func (t *Tree) Iterate() (index.Iterator, error) {
	it, err := t.Seek("")
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Seek returns an iterator positioned before the first key >= start. The
// iterator holds a read lock on the tree until it is released or exhausted.
func (t *Tree) Seek(start string) (*Iterator, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, index.ErrClosed
	}
	if err := t.usable(); err != nil {
		t.mu.RUnlock()
		return nil, err
	}

	it, err := t.seek(start, true)
	if err != nil {
		t.mu.RUnlock()
		return nil, err
	}
	return it, nil
}

func (t *Tree) seek(start string, locked bool) (*Iterator, error) {
	it := &Iterator{t: t, locked: locked}
	if t.root == 0 {
		it.done = true
		it.unlock()
		return it, nil
	}

	n, err := t.findLeaf(start, nil, nil)
	if err != nil {
		return nil, err
	}
	pos, _ := n.search(start)
	it.n, it.pos = n, pos-1
	return it, nil
}

// Insert implements index.Index.
func (t *Tree) Insert(key string, value []byte) error {
	if len(key)+len(value)+cellOverhead > t.budget {
		return errors.Wrapf(ErrPageOverflow, "btree: %d byte entry exceeds cell budget of %d", len(key)+len(value), t.budget-cellOverhead)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return index.ErrClosed
	}
	if err := t.usable(); err != nil {
		return err
	}

	if t.root == 0 {
		n, err := t.alloc(true)
		if err != nil {
			return t.fail(err)
		}
		n.keys = []string{key}
		n.vals = [][]byte{append([]byte(nil), value...)}
		t.root = n.id
		t.entries = 1
		return t.commit()
	}

	var path []*node
	var idxs []int
	leaf, err := t.findLeaf(key, &path, &idxs)
	if err != nil {
		return err
	}

	pos, ok := leaf.search(key)
	if ok {
		leaf.vals[pos] = append([]byte(nil), value...)
		t.markDirty(leaf)
		return t.commit()
	}

	leaf.keys = slices.Insert(leaf.keys, pos, key)
	leaf.vals = slices.Insert(leaf.vals, pos, append([]byte(nil), value...))
	t.entries++
	t.markDirty(leaf)

	if err := t.splitUp(leaf, path, idxs); err != nil {
		return t.fail(err)
	}
	return t.commit()
}

// splitUp splits overflowing nodes from n towards the root.
func (t *Tree) splitUp(n *node, path []*node, idxs []int) error {
	for depth := len(path); len(n.keys) > t.order.MaxKeys(); depth-- {
		right, err := t.alloc(n.leaf)
		if err != nil {
			return err
		}

		var sep string
		mid := len(n.keys) / 2
		if n.leaf {
			right.keys = append([]string(nil), n.keys[mid:]...)
			right.vals = append([][]byte(nil), n.vals[mid:]...)
			right.next = n.next
			n.keys, n.vals = n.keys[:mid:mid], n.vals[:mid:mid]
			n.next = right.id
			sep = right.keys[0]
		} else {
			sep = n.keys[mid]
			right.keys = append([]string(nil), n.keys[mid+1:]...)
			right.kids = append([]PageID(nil), n.kids[mid+1:]...)
			n.keys, n.kids = n.keys[:mid:mid], n.kids[:mid+1:mid+1]
		}
		t.markDirty(n)

		if depth == 0 {
			root, err := t.alloc(false)
			if err != nil {
				return err
			}
			root.keys = []string{sep}
			root.kids = []PageID{n.id, right.id}
			t.root = root.id
			return nil
		}

		parent, i := path[depth-1], idxs[depth-1]
		parent.keys = slices.Insert(parent.keys, i, sep)
		parent.kids = slices.Insert(parent.kids, i+1, right.id)
		t.markDirty(parent)
		n = parent
	}
	return nil
}

// Delete implements index.Index. Deleting a missing key is a no-op.
func (t *Tree) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return index.ErrClosed
	}
	if err := t.usable(); err != nil {
		return err
	}
	if t.root == 0 {
		return nil
	}

	var path []*node
	var idxs []int
	leaf, err := t.findLeaf(key, &path, &idxs)
	if err != nil {
		return err
	}

	pos, ok := leaf.search(key)
	if !ok {
		return nil
	}
	leaf.keys = slices.Delete(leaf.keys, pos, pos+1)
	leaf.vals = slices.Delete(leaf.vals, pos, pos+1)
	t.entries--
	t.markDirty(leaf)

	n := leaf
	for depth := len(path) - 1; depth >= 0 && len(n.keys) < t.order.MinKeys(); depth-- {
		if err := t.rebalance(path[depth], idxs[depth], n); err != nil {
			return t.fail(err)
		}
		n = path[depth]
	}

	root, err := t.load(t.root)
	if err != nil {
		return t.fail(err)
	}
	if len(root.keys) == 0 {
		if root.leaf {
			t.root = 0
		} else {
			t.root = root.kids[0]
		}
		t.free(root)
	}
	return t.commit()
}

// rebalance fixes an underflowing child n at position idx of parent by
// borrowing from a sibling or merging with it.
func (t *Tree) rebalance(parent *node, idx int, n *node) error {
	min := t.order.MinKeys()

	var left, right *node
	var err error
	if idx > 0 {
		if left, err = t.load(parent.kids[idx-1]); err != nil {
			return err
		}
		if len(left.keys) > min {
			t.borrowLeft(parent, idx, left, n)
			return nil
		}
	}
	if idx+1 < len(parent.kids) {
		if right, err = t.load(parent.kids[idx+1]); err != nil {
			return err
		}
		if len(right.keys) > min {
			t.borrowRight(parent, idx, n, right)
			return nil
		}
	}

	if left != nil {
		t.merge(parent, idx-1, left, n)
	} else if right != nil {
		t.merge(parent, idx, n, right)
	}
	return nil
}

func (t *Tree) borrowLeft(parent *node, idx int, left, n *node) {
	last := len(left.keys) - 1
	if n.leaf {
		n.keys = slices.Insert(n.keys, 0, left.keys[last])
		n.vals = slices.Insert(n.vals, 0, left.vals[last])
		left.keys, left.vals = left.keys[:last], left.vals[:last]
		parent.keys[idx-1] = n.keys[0]
	} else {
		n.keys = slices.Insert(n.keys, 0, parent.keys[idx-1])
		n.kids = slices.Insert(n.kids, 0, left.kids[last+1])
		parent.keys[idx-1] = left.keys[last]
		left.keys, left.kids = left.keys[:last], left.kids[:last+1]
	}
	t.markDirty(parent, left, n)
}

func (t *Tree) borrowRight(parent *node, idx int, n, right *node) {
	if n.leaf {
		n.keys = append(n.keys, right.keys[0])
		n.vals = append(n.vals, right.vals[0])
		right.keys = slices.Delete(right.keys, 0, 1)
		right.vals = slices.Delete(right.vals, 0, 1)
		parent.keys[idx] = right.keys[0]
	} else {
		n.keys = append(n.keys, parent.keys[idx])
		n.kids = append(n.kids, right.kids[0])
		parent.keys[idx] = right.keys[0]
		right.keys = slices.Delete(right.keys, 0, 1)
		right.kids = slices.Delete(right.kids, 0, 1)
	}
	t.markDirty(parent, right, n)
}

// merge folds right into left, removing separator sep from parent.
func (t *Tree) merge(parent *node, sep int, left, right *node) {
	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
		left.next = right.next
	} else {
		left.keys = append(append(left.keys, parent.keys[sep]), right.keys...)
		left.kids = append(left.kids, right.kids...)
	}
	parent.keys = slices.Delete(parent.keys, sep, sep+1)
	parent.kids = slices.Delete(parent.kids, sep+1, sep+2)
	t.markDirty(parent, left)
	t.free(right)
}

// Len implements index.Index.
func (t *Tree) Len() int {
	t.mu.RLock()
	n := t.entries
	t.mu.RUnlock()
	return int(n)
}

// Height returns the number of levels.
func (t *Tree) Height() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := 0
	for id := t.root; id != 0; h++ {
		n, err := t.load(id)
		if err != nil {
			return 0, err
		}
		if n.leaf {
			return h + 1, nil
		}
		id = n.kids[0]
	}
	return h, nil
}

// Kind implements index.Index.
func (*Tree) Kind() index.Kind { return index.KindBTree }

// MemoryBytes implements index.Index. It returns the size of all pages
// currently loaded.
func (t *Tree) MemoryBytes() int64 {
	return t.loaded.Load() * int64(t.pageSize)
}

// DiskBytes implements index.Index.
func (t *Tree) DiskBytes() int64 {
	t.mu.RLock()
	n := int64(t.pageCount) * int64(t.pageSize)
	t.mu.RUnlock()
	return n
}

// Close implements index.Index.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.pages = nil
	t.loaded.Store(0)
	return t.f.Close()
}

// --------------------------------------------------------------------

// findLeaf descends to the leaf responsible for key, optionally recording
// the internal nodes and child positions along the way.
func (t *Tree) findLeaf(key string, path *[]*node, idxs *[]int) (*node, error) {
	n, err := t.load(t.root)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		i := n.childIndex(key)
		if path != nil {
			*path = append(*path, n)
			*idxs = append(*idxs, i)
		}
		if n, err = t.load(n.kids[i]); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// load returns the node stored at page id, reading it if necessary.
func (t *Tree) load(id PageID) (*node, error) {
	t.amu.Lock()
	defer t.amu.Unlock()

	if id == 0 || int(id) >= len(t.pages) {
		return nil, errors.Wrapf(ErrCorruptPage, "btree: page %d out of range", id)
	}
	if n := t.pages[id]; n != nil {
		return n, nil
	}

	kind, n, err := t.readPage(id)
	if err != nil {
		return nil, err
	}
	if kind == pageKindFree {
		return nil, errors.Wrapf(ErrCorruptPage, "btree: page %d is free", id)
	}
	t.pages[id] = n
	t.loaded.Add(1)
	return n, nil
}

func (t *Tree) readPage(id PageID) (byte, *node, error) {
	raw := fetchBuffer(t.pageSize)
	defer releaseBuffer(raw)

	if _, err := t.f.ReadAt(raw, int64(id)*int64(t.pageSize)); err != nil {
		return 0, nil, errors.Wrapf(err, "btree: read page %d", id)
	}

	scratch := fetchBuffer(t.pageSize)
	defer releaseBuffer(scratch)

	kind, payload, err := parsePage(id, raw, scratch)
	if err != nil {
		return 0, nil, err
	}
	if kind == pageKindFree {
		if len(payload) != 4 {
			return 0, nil, errors.Wrapf(ErrCorruptPage, "btree: page %d: bad free page", id)
		}
		return kind, &node{id: id, next: PageID(binary.LittleEndian.Uint32(payload))}, nil
	}

	n, err := decodeNode(id, kind, payload)
	return kind, n, err
}

// alloc returns a fresh node, reusing a free page when possible.
func (t *Tree) alloc(leaf bool) (*node, error) {
	var id PageID
	if t.freeHead != 0 {
		kind, free, err := t.readPage(t.freeHead)
		if err != nil {
			return nil, err
		}
		if kind != pageKindFree {
			return nil, errors.Wrapf(ErrCorruptPage, "btree: page %d is not free", t.freeHead)
		}
		id, t.freeHead = t.freeHead, free.next
	} else {
		if t.pageCount == 1<<32-1 {
			return nil, errors.New("btree: page id space exhausted")
		}
		id = PageID(t.pageCount)
		t.pageCount++

		t.amu.Lock()
		t.pages = append(t.pages, nil)
		t.amu.Unlock()
	}

	n := &node{id: id, leaf: leaf}
	t.amu.Lock()
	t.pages[id] = n
	t.amu.Unlock()
	t.loaded.Add(1)
	t.markDirty(n)
	return n, nil
}

func (t *Tree) free(n *node) {
	delete(t.dirty, n.id)
	t.freed = append(t.freed, n.id)

	t.amu.Lock()
	t.pages[n.id] = nil
	t.amu.Unlock()
	t.loaded.Add(-1)
}

func (t *Tree) markDirty(nodes ...*node) {
	for _, n := range nodes {
		t.dirty[n.id] = n
	}
}

// commit flushes a completed mutation.
func (t *Tree) commit() error {
	if err := t.flush(); err != nil {
		return t.fail(err)
	}
	return nil
}

// fail marks the tree unusable. The arena already holds the partial
// mutation, so neither memory nor file can be trusted until reopened.
func (t *Tree) fail(err error) error {
	t.failed = err
	return err
}

func (t *Tree) usable() error {
	if t.failed != nil {
		return errors.Wrap(ErrFailed, t.failed.Error())
	}
	return nil
}

// flush writes dirty nodes, freed pages and the header.
func (t *Tree) flush() error {
	for id, n := range t.dirty {
		page, err := t.pw.render(n)
		if err != nil {
			return errors.Wrapf(err, "btree: render page %d", id)
		}
		if _, err := t.f.WriteAt(page, int64(id)*int64(t.pageSize)); err != nil {
			return errors.Wrapf(err, "btree: write page %d", id)
		}
		delete(t.dirty, id)
	}

	for _, id := range t.freed {
		page, err := t.pw.renderFree(t.freeHead)
		if err != nil {
			return err
		}
		if _, err := t.f.WriteAt(page, int64(id)*int64(t.pageSize)); err != nil {
			return errors.Wrapf(err, "btree: write page %d", id)
		}
		t.freeHead = id
	}
	t.freed = t.freed[:0]

	if err := t.writeHeader(); err != nil {
		return err
	}
	if t.o.Sync {
		if err := t.f.Sync(); err != nil {
			return errors.Wrap(err, "btree: sync")
		}
	}
	return nil
}

func (t *Tree) writeHeader() error {
	h := t.hdr
	for i := range h {
		h[i] = 0
	}
	binary.LittleEndian.PutUint32(h[0:], Magic)
	h[4] = formatVersion
	binary.LittleEndian.PutUint32(h[8:], uint32(t.pageSize))
	binary.LittleEndian.PutUint16(h[12:], uint16(t.order))
	binary.LittleEndian.PutUint32(h[16:], uint32(t.root))
	binary.LittleEndian.PutUint32(h[20:], t.pageCount)
	binary.LittleEndian.PutUint32(h[24:], uint32(t.freeHead))
	binary.LittleEndian.PutUint64(h[32:], t.entries)
	binary.LittleEndian.PutUint64(h[40:], xxhash.Sum64(h[:40]))

	if _, err := t.f.WriteAt(h, 0); err != nil {
		return errors.Wrap(err, "btree: write header")
	}
	return nil
}

func (t *Tree) readHeader() error {
	h := t.hdr
	if _, err := t.f.ReadAt(h, 0); err != nil {
		return errors.Wrap(err, "btree: read header")
	}

	if binary.LittleEndian.Uint32(h[0:]) != Magic {
		return ErrBadMagic
	}
	if binary.LittleEndian.Uint64(h[40:]) != xxhash.Sum64(h[:40]) {
		return errors.Wrap(ErrCorruptPage, "btree: header checksum mismatch")
	}
	if h[4] != formatVersion {
		return errors.Errorf("btree: unsupported format version %d", h[4])
	}

	order, err := NewOrder(int(binary.LittleEndian.Uint16(h[12:])))
	if err != nil {
		return errors.Wrap(ErrCorruptPage, err.Error())
	}
	t.order = order
	t.pageSize = int(binary.LittleEndian.Uint32(h[8:]))
	t.root = PageID(binary.LittleEndian.Uint32(h[16:]))
	t.pageCount = binary.LittleEndian.Uint32(h[20:])
	t.freeHead = PageID(binary.LittleEndian.Uint32(h[24:]))
	t.entries = binary.LittleEndian.Uint64(h[32:])

	if t.pageCount == 0 || uint32(t.root) >= t.pageCount || uint32(t.freeHead) >= t.pageCount {
		return errors.Wrap(ErrCorruptPage, "btree: header references pages out of range")
	}
	return nil
}
