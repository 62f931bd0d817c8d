package matrix

import "strings"

// Record is a set of named values with a stable field order.
type Record struct {
	fields  map[string]Value
	order   []string
	desc    string
	hasDesc bool
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{fields: make(map[string]Value)}
}

// Set assigns a field. New fields are appended to the field order.
func (r *Record) Set(name string, v Value) {
	if _, ok := r.fields[name]; !ok {
		r.order = append(r.order, name)
	}
	r.fields[name] = v
}

// Get returns a field value.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields returns the field names in insertion order.
func (r *Record) Fields() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.order) }

// Description returns the record description, if any.
func (r *Record) Description() (string, bool) { return r.desc, r.hasDesc }

// SetDescription sets the record description.
func (r *Record) SetDescription(desc string) {
	r.desc, r.hasDesc = desc, true
}

// Cells returns the encoded cells for the given field names. Missing fields
// yield empty cells.
func (r *Record) Cells(fields []string) []string {
	cells := make([]string, len(fields))
	for i, name := range fields {
		if v, ok := r.fields[name]; ok {
			cells[i] = v.Encode()
		}
	}
	return cells
}

// Row joins the encoded cells in field order using delim, appending the
// description as the last column when set.
func (r *Record) Row(delim string) string {
	cells := r.Cells(r.order)
	if r.hasDesc {
		cells = append(cells, r.desc)
	}
	return strings.Join(cells, delim)
}
