package matrix

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ReadFile reads a row file, returning the data column names and records.
func ReadFile(name string, o *ReaderOptions) ([]string, []*Record, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "matrix: open %s", name)
	}
	defer f.Close()

	r := NewReader(f, o)
	fields, err := r.Fields()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "matrix: read %s", name)
	}
	recs, err := r.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "matrix: read %s", name)
	}
	return fields, recs, nil
}

// WriteFile atomically replaces name with the given records. If fields is
// empty, the field order of the first record is used. A description column
// is written when any record has a description.
func WriteFile(name string, fields []string, recs []*Record, o *WriterOptions) error {
	if len(fields) == 0 && len(recs) != 0 {
		fields = recs[0].Fields()
	}
	if len(fields) == 0 {
		return errNoFields
	}

	oo := o.norm()
	for _, rec := range recs {
		if _, ok := rec.Description(); ok {
			oo.Description = true
			break
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "matrix: create temp file for %s", name)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := NewWriter(tmp, fields, oo)
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			return errors.Wrapf(err, "matrix: write %s", tmp.Name())
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "matrix: write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "matrix: close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return errors.Wrapf(err, "matrix: rename %s", name)
	}
	return nil
}
