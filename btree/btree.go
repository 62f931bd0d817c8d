package btree

import (
	"errors"
	"fmt"

	"github.com/bsm/reedbase/index"
)

// Magic identifies a B+-Tree file.
const Magic uint32 = 0xB7EE7EE1

const formatVersion = 1

const (
	pageKindFree     = 0
	pageKindLeaf     = 1
	pageKindInternal = 2
)

const (
	pageNoCompression     = 0
	pageSnappyCompression = 1
)

const (
	headerSize     = 48
	pageHeaderSize = 10
	pagePayloadPad = 8  // count + next pointer / first child
	cellOverhead   = 15 // three varints per cell
	minPageSize    = 256
)

var (
	// ErrBadMagic is returned when a file is not a B+-Tree file.
	ErrBadMagic = errors.New("btree: bad magic number")
	// ErrCorruptPage is returned when a page or header fails validation.
	ErrCorruptPage = errors.New("btree: corrupt page")
	// ErrPageOverflow is returned when an entry is too large to fit a page.
	ErrPageOverflow = errors.New("btree: entry too large for page")
	// ErrOptionMismatch is returned when explicit options contradict an
	// existing file.
	ErrOptionMismatch = errors.New("btree: options do not match file")
	// ErrFailed is returned after a write failed part way. The tree must be
	// reopened.
	ErrFailed = errors.New("btree: tree failed, reopen required")
)

var errBadCompression = errors.New("btree: bad compression codec")

// PageID addresses a page. Zero is the header page and never a node.
type PageID uint32

// --------------------------------------------------------------------

// Order is the maximum number of keys per node.
type Order uint16

// NewOrder validates n.
func NewOrder(n int) (Order, error) {
	if n < 3 || n > 1<<16-1 {
		return 0, fmt.Errorf("btree: invalid order %d, must be between 3 and 65535", n)
	}
	return Order(n), nil
}

// MaxKeys returns the maximum number of keys per node.
func (o Order) MaxKeys() int { return int(o) }

// MinKeys returns the minimum number of keys per non-root node.
func (o Order) MinKeys() int { return int(o) / 2 }

// Value returns the order as int.
func (o Order) Value() int { return int(o) }

// --------------------------------------------------------------------

// Compression is the page compression codec.
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	unknownCompression
)

// Options define tree specific options.
type Options struct {
	// Order is the maximum number of keys per node. It is fixed when the
	// file is created.
	// Default: 64.
	Order int

	// PageSize is the size of a page in bytes. It is fixed when the file is
	// created.
	// Default: 4KiB.
	PageSize int

	// The page compression codec to use.
	// Default: SnappyCompression.
	Compression Compression

	// Sync forces an fsync after every mutation.
	Sync bool
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Order == 0 {
		oo.Order = 64
	}
	if oo.PageSize == 0 {
		oo.PageSize = 1 << 12
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	return &oo
}

// cellBudget returns the number of bytes available to each cell so that a
// full node always fits an uncompressed page.
func cellBudget(pageSize int, order Order) int {
	return (pageSize - pageHeaderSize - pagePayloadPad) / order.MaxKeys()
}

var _ index.Index = (*Tree)(nil)
