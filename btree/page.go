package btree

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// node is the in-memory form of a leaf or internal page.
type node struct {
	id   PageID
	leaf bool

	keys []string
	vals [][]byte // leaf only
	kids []PageID // internal only
	next PageID   // leaf only
}

func (n *node) search(key string) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		m := int(uint(lo+hi) >> 1)
		if n.keys[m] < key {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo, lo < len(n.keys) && n.keys[lo] == key
}

// childIndex returns the position of the child which may contain key, i.e.
// the number of separators <= key.
func (n *node) childIndex(key string) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		m := int(uint(lo+hi) >> 1)
		if n.keys[m] <= key {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}

// encode appends the page payload to dst.
func (n *node) encode(dst []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte

	dst = appendUvarint(dst, tmp[:], uint64(len(n.keys)))
	if n.leaf {
		binary.LittleEndian.PutUint32(tmp[:], uint32(n.next))
		dst = append(dst, tmp[:4]...)
	} else {
		dst = appendUvarint(dst, tmp[:], uint64(n.kids[0]))
	}

	prev := ""
	for i, key := range n.keys {
		shared := sharedPrefixLen(prev, key)
		dst = appendUvarint(dst, tmp[:], uint64(shared))
		dst = appendUvarint(dst, tmp[:], uint64(len(key)-shared))
		dst = append(dst, key[shared:]...)

		if n.leaf {
			dst = appendUvarint(dst, tmp[:], uint64(len(n.vals[i])))
			dst = append(dst, n.vals[i]...)
		} else {
			dst = appendUvarint(dst, tmp[:], uint64(n.kids[i+1]))
		}
		prev = key
	}
	return dst
}

// decodeNode parses a page payload. All data is copied out of p.
func decodeNode(id PageID, kind byte, p []byte) (*node, error) {
	d := decoder{buf: p}
	n := &node{id: id, leaf: kind == pageKindLeaf}

	cnt := int(d.uvarint())
	if cnt < 0 || cnt > len(p) {
		return nil, errors.Wrapf(ErrCorruptPage, "page %d: bad cell count %d", id, cnt)
	}
	n.keys = make([]string, 0, cnt)
	if n.leaf {
		n.next = PageID(d.uint32())
		n.vals = make([][]byte, 0, cnt)
	} else {
		n.kids = make([]PageID, 0, cnt+1)
		n.kids = append(n.kids, PageID(d.uvarint()))
	}

	var key []byte
	for i := 0; i < cnt && !d.bad; i++ {
		shared := int(d.uvarint())
		suffix := d.bytes(int(d.uvarint()))
		if shared < 0 || shared > len(key) {
			d.bad = true
			break
		}
		key = append(key[:shared], suffix...)
		n.keys = append(n.keys, string(key))

		if n.leaf {
			val := d.bytes(int(d.uvarint()))
			n.vals = append(n.vals, append(make([]byte, 0, len(val)), val...))
		} else {
			n.kids = append(n.kids, PageID(d.uvarint()))
		}
	}
	if d.bad || d.pos != len(p) {
		return nil, errors.Wrapf(ErrCorruptPage, "page %d: malformed payload", id)
	}
	return n, nil
}

// --------------------------------------------------------------------

// pageWriter renders pages into a reusable buffer.
type pageWriter struct {
	pageSize int
	comp     Compression

	buf []byte // plain payload
	snp []byte // snappy payload
	out []byte // full page
}

func newPageWriter(pageSize int, comp Compression) *pageWriter {
	return &pageWriter{
		pageSize: pageSize,
		comp:     comp,
		out:      make([]byte, pageSize),
	}
}

// render returns the full page image for a node.
func (w *pageWriter) render(n *node) ([]byte, error) {
	w.buf = n.encode(w.buf[:0])
	kind := byte(pageKindInternal)
	if n.leaf {
		kind = pageKindLeaf
	}
	return w.frame(kind, w.buf)
}

// renderFree returns the page image of a free page.
func (w *pageWriter) renderFree(next PageID) ([]byte, error) {
	w.buf = append(w.buf[:0], 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(w.buf, uint32(next))
	return w.frame(pageKindFree, w.buf)
}

func (w *pageWriter) frame(kind byte, payload []byte) ([]byte, error) {
	flags := byte(pageNoCompression)
	if w.comp == SnappyCompression && len(payload) > 0 {
		w.snp = snappy.Encode(w.snp[:cap(w.snp)], payload)
		if len(w.snp) < len(payload)-len(payload)/4 {
			payload, flags = w.snp, pageSnappyCompression
		}
	}
	if len(payload) > w.pageSize-pageHeaderSize {
		return nil, ErrPageOverflow
	}

	out := w.out
	out[0] = kind
	out[1] = flags
	binary.LittleEndian.PutUint32(out[2:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[6:], uint32(xxhash.Sum64(payload)))
	n := copy(out[pageHeaderSize:], payload)
	for i := pageHeaderSize + n; i < len(out); i++ {
		out[i] = 0
	}
	return out, nil
}

// parsePage validates a raw page image and returns its kind and plain
// payload. The payload is either a sub-slice of raw or of scratch.
func parsePage(id PageID, raw, scratch []byte) (byte, []byte, error) {
	kind, flags := raw[0], raw[1]
	plen := int(binary.LittleEndian.Uint32(raw[2:]))
	if plen > len(raw)-pageHeaderSize {
		return 0, nil, errors.Wrapf(ErrCorruptPage, "page %d: bad payload length %d", id, plen)
	}

	payload := raw[pageHeaderSize : pageHeaderSize+plen]
	if uint32(xxhash.Sum64(payload)) != binary.LittleEndian.Uint32(raw[6:]) {
		return 0, nil, errors.Wrapf(ErrCorruptPage, "page %d: checksum mismatch", id)
	}
	if kind > pageKindInternal {
		return 0, nil, errors.Wrapf(ErrCorruptPage, "page %d: unknown page kind %d", id, kind)
	}

	switch flags {
	case pageNoCompression:
		return kind, payload, nil
	case pageSnappyCompression:
		plain, err := snappy.Decode(scratch[:cap(scratch)], payload)
		if err != nil {
			return 0, nil, errors.Wrapf(ErrCorruptPage, "page %d: %v", id, err)
		}
		return kind, plain, nil
	}
	return 0, nil, errors.Wrapf(errBadCompression, "page %d", id)
}

// --------------------------------------------------------------------

type decoder struct {
	buf []byte
	pos int
	bad bool
}

func (d *decoder) uvarint() uint64 {
	if d.bad {
		return 0
	}
	u, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.bad = true
		return 0
	}
	d.pos += n
	return u
}

func (d *decoder) uint32() uint32 {
	if d.bad || d.pos+4 > len(d.buf) {
		d.bad = true
		return 0
	}
	u := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return u
}

func (d *decoder) bytes(n int) []byte {
	if d.bad || n < 0 || n > len(d.buf)-d.pos {
		d.bad = true
		return nil
	}
	p := d.buf[d.pos : d.pos+n]
	d.pos += n
	return p
}

func appendUvarint(dst, tmp []byte, u uint64) []byte {
	n := binary.PutUvarint(tmp, u)
	return append(dst, tmp[:n]...)
}

func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
