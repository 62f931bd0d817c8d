package reedbase

import (
	"errors"
	"strconv"
	"strings"
)

// Store errors. Errors returned by the store are *Error values wrapping one
// of these, a lower level sentinel or an I/O failure.
var (
	ErrNotFound        = errors.New("reedbase: key not found")
	ErrTableNotFound   = errors.New("reedbase: table not found")
	ErrTableExists     = errors.New("reedbase: table already exists")
	ErrIndexExists     = errors.New("reedbase: index already exists")
	ErrIndexNotFound   = errors.New("reedbase: index not found")
	ErrColumnNotFound  = errors.New("reedbase: column not found")
	ErrVersionNotFound = errors.New("reedbase: version not found")
	ErrNotConfirmed    = errors.New("reedbase: operation not confirmed")
	ErrClosed          = errors.New("reedbase: store closed")
	ErrLogCorrupted    = errors.New("reedbase: version log corrupted")
	ErrDeltaCorrupted  = errors.New("reedbase: delta corrupted")
	ErrInvalidKey      = errors.New("reedbase: invalid key")
	ErrInvalidName     = errors.New("reedbase: invalid name")
	ErrInvalidValue    = errors.New("reedbase: invalid value")
	ErrInvalidConfig   = errors.New("reedbase: invalid config")
)

// ErrorKind classifies errors so callers can branch without string matching.
type ErrorKind uint8

// Error kinds.
const (
	KindKey ErrorKind = iota + 1
	KindIndex
	KindIO
	KindVersion
	KindParse
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindIndex:
		return "index"
	case KindIO:
		return "io"
	case KindVersion:
		return "version"
	case KindParse:
		return "parse"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Error is a structured store error. Only the fields relevant to the failed
// operation are set.
type Error struct {
	Kind      ErrorKind
	Op        string
	Table     string
	Key       string
	Line      int
	Timestamp int64
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("reedbase: ")
	sb.WriteString(e.Op)
	if e.Table != "" {
		sb.WriteString(" table=")
		sb.WriteString(e.Table)
	}
	if e.Key != "" {
		sb.WriteString(" key=")
		sb.WriteString(strconv.Quote(e.Key))
	}
	if e.Line != 0 {
		sb.WriteString(" line=")
		sb.WriteString(strconv.Itoa(e.Line))
	}
	if e.Timestamp != 0 {
		sb.WriteString(" version=")
		sb.WriteString(strconv.FormatInt(e.Timestamp, 10))
	}
	sb.WriteString(" (")
	sb.WriteString(e.Kind.String())
	sb.WriteString("): ")
	sb.WriteString(strings.TrimPrefix(e.Err.Error(), "reedbase: "))
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// IsKind returns true if err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
