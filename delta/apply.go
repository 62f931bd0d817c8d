package delta

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// ReadHeader parses the header of a delta.
func ReadHeader(data []byte) (*Header, error) {
	h, _, err := readHeader(data)
	return h, err
}

func readHeader(data []byte) (*Header, []byte, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, nil, ErrBadMagic
	}

	r := reader{buf: data, pos: len(magic)}
	h := new(Header)

	switch r.u8() {
	case bodyNoCompression:
	case bodySnappyCompression:
		h.Compressed = true
	default:
		return nil, nil, errors.Wrap(ErrCorrupt, "delta: bad compression codec")
	}

	h.Timestamp = r.varint()
	h.BaseSize = r.size()
	h.BaseSum = r.uint64()
	h.TargetSize = r.size()
	h.TargetSum = r.uint64()
	if r.bad {
		return nil, nil, errors.Wrap(ErrCorrupt, "delta: truncated header")
	}
	return h, data[r.pos:], nil
}

// Apply reconstructs the target snapshot from base and a delta.
func Apply(base, data []byte) ([]byte, error) {
	h, body, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if h.BaseSize != len(base) || h.BaseSum != xxhash.Sum64(base) {
		return nil, ErrBaseMismatch
	}

	if h.Compressed {
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "delta: %v", err)
		}
	}

	r := reader{buf: body}
	ctrl := r.bytes(r.size())
	diff := r.bytes(r.size())
	extra := body[min(r.pos, len(body)):]
	if r.bad {
		return nil, errors.Wrap(ErrCorrupt, "delta: truncated body")
	}
	if len(diff)+len(extra) != h.TargetSize {
		return nil, errors.Wrap(ErrCorrupt, "delta: body does not match target size")
	}

	target := make([]byte, h.TargetSize)
	c := reader{buf: ctrl}
	var newPos, oldPos int
	for newPos < len(target) {
		x, y, z := c.size(), c.size(), c.varint()
		if c.bad || x > len(diff) || newPos+x > len(target) {
			return nil, errors.Wrap(ErrCorrupt, "delta: bad control triple")
		}

		copy(target[newPos:], diff[:x])
		for i := 0; i < x; i++ {
			if p := oldPos + i; p >= 0 && p < len(base) {
				target[newPos+i] += base[p]
			}
		}
		diff = diff[x:]
		newPos += x
		oldPos += x

		if y > len(extra) || newPos+y > len(target) {
			return nil, errors.Wrap(ErrCorrupt, "delta: bad control triple")
		}
		copy(target[newPos:], extra[:y])
		extra = extra[y:]
		newPos += y
		oldPos += int(z)
	}

	if c.pos != len(ctrl) || xxhash.Sum64(target) != h.TargetSum {
		return nil, errors.Wrap(ErrCorrupt, "delta: target checksum mismatch")
	}
	return target, nil
}

// --------------------------------------------------------------------

type reader struct {
	buf []byte
	pos int
	bad bool
}

func (r *reader) u8() byte {
	if r.bad || r.pos >= len(r.buf) {
		r.bad = true
		return 0
	}
	c := r.buf[r.pos]
	r.pos++
	return c
}

func (r *reader) uvarint() uint64 {
	if r.bad {
		return 0
	}
	u, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.bad = true
		return 0
	}
	r.pos += n
	return u
}

func (r *reader) varint() int64 {
	if r.bad {
		return 0
	}
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.bad = true
		return 0
	}
	r.pos += n
	return v
}

// size reads a uvarint that must fit an int.
func (r *reader) size() int {
	u := r.uvarint()
	if u > math.MaxInt32 {
		r.bad = true
		return 0
	}
	return int(u)
}

func (r *reader) uint64() uint64 {
	if r.bad || r.pos+8 > len(r.buf) {
		r.bad = true
		return 0
	}
	u := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return u
}

func (r *reader) bytes(n int) []byte {
	if r.bad || n > len(r.buf)-r.pos {
		r.bad = true
		return nil
	}
	p := r.buf[r.pos : r.pos+n]
	r.pos += n
	return p
}
