package matrix

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultDelimiter separates the columns of a row.
const DefaultDelimiter = "|"

const maxLineSize = 1 << 20

// ParseError reports a malformed row file.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("matrix: line %d: %s", e.Line, e.Reason)
}

// ReaderOptions define reader behaviour.
type ReaderOptions struct {
	// Column delimiter. Default: "|"
	Delimiter string
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}
	if oo.Delimiter == "" {
		oo.Delimiter = DefaultDelimiter
	}
	return &oo
}

// Reader reads records from a row file.
type Reader struct {
	s *bufio.Scanner
	o *ReaderOptions

	fields  []string
	hasDesc bool
	line    int

	rec *Record
	err error
}

// NewReader wraps a reader.
func NewReader(r io.Reader, o *ReaderOptions) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{s: s, o: o.norm()}
}

// Fields returns the data column names. It reads the header if necessary.
func (r *Reader) Fields() ([]string, error) {
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return append([]string(nil), r.fields...), nil
}

// HasDescription returns true if the header declares a description column.
func (r *Reader) HasDescription() bool { return r.hasDesc }

// Line returns the line number of the current record.
func (r *Reader) Line() int { return r.line }

// Next advances to the next record.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	if r.err = r.readHeader(); r.err != nil {
		return false
	}

	line, ok := r.nextLine()
	if !ok {
		return false
	}

	parts := strings.Split(line, r.o.Delimiter)
	if len(parts) < len(r.fields) {
		r.err = &ParseError{Line: r.line, Reason: fmt.Sprintf("expected at least %d fields, found %d", len(r.fields), len(parts))}
		return false
	}

	rec := NewRecord()
	for i, name := range r.fields {
		rec.Set(name, Decode(strings.TrimSpace(parts[i])))
	}
	if r.hasDesc && len(parts) > len(r.fields) {
		if desc := strings.TrimSpace(parts[len(r.fields)]); desc != "" {
			rec.SetDescription(desc)
		}
	}
	r.rec = rec
	return true
}

// Record returns the current record.
func (r *Reader) Record() *Record { return r.rec }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// ReadAll reads all remaining records.
func (r *Reader) ReadAll() ([]*Record, error) {
	var recs []*Record
	for r.Next() {
		recs = append(recs, r.Record())
	}
	return recs, r.Err()
}

func (r *Reader) readHeader() error {
	if r.fields != nil {
		return nil
	}

	line, ok := r.nextLine()
	if !ok {
		if err := r.s.Err(); err != nil {
			return err
		}
		return &ParseError{Line: r.line, Reason: "missing header"}
	}

	names := strings.Split(line, r.o.Delimiter)
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	if last := names[len(names)-1]; len(names) > 1 && (last == "desc" || last == "description") {
		names, r.hasDesc = names[:len(names)-1], true
	}
	r.fields = names
	return nil
}

// nextLine returns the next non-blank, non-comment line, trimmed.
func (r *Reader) nextLine() (string, bool) {
	for r.s.Scan() {
		r.line++

		line := strings.TrimSpace(r.s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		return line, true
	}
	if r.err == nil {
		r.err = r.s.Err()
	}
	return "", false
}
