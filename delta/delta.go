package delta

import (
	"errors"
	"time"
)

var magic = []byte("RBD1")

var (
	// ErrBadMagic is returned when data is not a delta.
	ErrBadMagic = errors.New("delta: bad magic byte sequence")
	// ErrBaseMismatch is returned when a delta is applied to the wrong base.
	ErrBaseMismatch = errors.New("delta: base snapshot mismatch")
	// ErrCorrupt is returned when a delta is truncated or does not
	// reproduce its target.
	ErrCorrupt = errors.New("delta: corrupt data")
)

// Compression is the body compression codec.
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

const (
	bodyNoCompression     = 0
	bodySnappyCompression = 1
)

// Options define generator specific options.
type Options struct {
	// Timestamp tags the snapshot the delta reconstructs.
	// Default: now, in nanoseconds.
	Timestamp int64

	// The compression codec to use.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.Timestamp == 0 {
		oo.Timestamp = time.Now().UnixNano()
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	return &oo
}

// Header describes a delta.
type Header struct {
	Timestamp  int64
	Compressed bool
	BaseSize   int
	BaseSum    uint64
	TargetSize int
	TargetSum  uint64
}

// Info is the result of Generate.
type Info struct {
	Data         []byte
	Timestamp    int64
	OriginalSize int
	DeltaSize    int
	Savings      float64
}

// CalculateSavings returns the percentage of bytes saved by storing a delta
// of size delta instead of original bytes. It is negative when the delta is
// larger and zero when original is empty.
func CalculateSavings(original, delta int) float64 {
	if original == 0 {
		return 0
	}
	return float64(original-delta) * 100 / float64(original)
}
