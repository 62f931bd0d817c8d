package matrix

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

var errNoFields = errors.New("matrix: no field names")

// WriterOptions define writer behaviour.
type WriterOptions struct {
	// Column delimiter. Default: "|"
	Delimiter string

	// Description appends a "desc" column.
	Description bool
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}
	if oo.Delimiter == "" {
		oo.Delimiter = DefaultDelimiter
	}
	return &oo
}

// Writer writes records to a row file.
type Writer struct {
	w      *bufio.Writer
	o      *WriterOptions
	fields []string
	header bool
	cells  []string
}

// NewWriter wraps a writer. The header is written with the first record or
// on Flush.
func NewWriter(w io.Writer, fields []string, o *WriterOptions) *Writer {
	return &Writer{
		w:      bufio.NewWriter(w),
		o:      o.norm(),
		fields: fields,
	}
}

// Write appends a record.
func (w *Writer) Write(rec *Record) error {
	if err := w.writeHeader(); err != nil {
		return err
	}

	w.cells = append(w.cells[:0], rec.Cells(w.fields)...)
	if w.o.Description {
		desc, _ := rec.Description()
		w.cells = append(w.cells, desc)
	}
	return w.writeLine(w.cells)
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) writeHeader() error {
	if w.header {
		return nil
	}
	if len(w.fields) == 0 {
		return errNoFields
	}
	w.header = true

	names := w.fields
	if w.o.Description {
		names = append(append(make([]string, 0, len(names)+1), names...), "desc")
	}
	return w.writeLine(names)
}

func (w *Writer) writeLine(cells []string) error {
	if _, err := w.w.WriteString(strings.Join(cells, w.o.Delimiter)); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}
