package reedbase

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/reedbase/delta"
	"github.com/bsm/reedbase/matrix"
	"github.com/juju/fslock"
	"github.com/pkg/errors"
)

const (
	currentFile = "current.csv"
	logFile     = "version.log"
	lockFile    = "LOCK"
	snapExt     = ".snap"
	deltaExt    = ".delta"
)

// Table is a versioned row file. Every commit stores either a full snapshot
// or a delta against the previous version, and appends to the version log.
//
//	<data_dir>/tables/<name>/
//	  current.csv      the latest version
//	  <ts>.snap        full snapshots
//	  <ts>.delta       deltas against the preceding version
//	  version.log      one line per version
type Table struct {
	name     string
	dir      string
	delim    string
	interval int

	mu    sync.Mutex
	flock *fslock.Lock
	last  int64

	committed func(*Table, *VersionInfo, *delta.Info, *rowSet) error
}

func newTable(root, name string, cfg *Config) *Table {
	dir := filepath.Join(root, name)
	return &Table{
		name:     name,
		dir:      dir,
		delim:    cfg.Delimiter,
		interval: cfg.SnapshotInterval,
		flock:    fslock.New(filepath.Join(dir, lockFile)),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Dir returns the table directory.
func (t *Table) Dir() string { return t.dir }

func (t *Table) currentPath() string { return filepath.Join(t.dir, currentFile) }
func (t *Table) logPath() string     { return filepath.Join(t.dir, logFile) }
func (t *Table) versionPath(ts int64, kind VersionKind) string {
	ext := deltaExt
	if kind == VersionSnapshot {
		ext = snapExt
	}
	return filepath.Join(t.dir, strconv.FormatInt(ts, 10)+ext)
}

func (t *Table) exists() bool {
	_, err := os.Stat(t.currentPath())
	return err == nil
}

// ReadCurrent returns the content of the latest version.
func (t *Table) ReadCurrent() ([]byte, error) {
	data, err := os.ReadFile(t.currentPath())
	if os.IsNotExist(err) {
		return nil, t.error(KindIO, "read_current", ErrTableNotFound)
	} else if err != nil {
		return nil, t.error(KindIO, "read_current", errors.Wrap(err, "read current.csv"))
	}
	return data, nil
}

// Rows parses the latest version, returning the column names and records.
func (t *Table) Rows() ([]string, []*matrix.Record, error) {
	data, err := t.ReadCurrent()
	if err != nil {
		return nil, nil, err
	}
	rs, err := t.parse(data)
	if err != nil {
		return nil, nil, err
	}
	return rs.fields, rs.recs, nil
}

// Versions returns all versions, newest first.
func (t *Table) Versions() ([]*VersionInfo, error) {
	versions, err := t.readLog()
	if err != nil {
		return nil, err
	}
	return newest(versions), nil
}

// Commit stores content as a new version. Content must be a valid row
// file with at least a key and a value column.
func (t *Table) Commit(content []byte, user string, action Action) (*VersionInfo, error) {
	unlock, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return t.commit(content, user, action)
}

// Reconstruct rebuilds the content of version ts by applying deltas
// forward from the nearest preceding snapshot.
func (t *Table) Reconstruct(ts int64) ([]byte, error) {
	versions, err := t.readLog()
	if err != nil {
		return nil, err
	}

	pos := -1
	for i, v := range versions {
		if v.Timestamp == ts {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, &Error{Kind: KindVersion, Op: "reconstruct", Table: t.name, Timestamp: ts, Err: ErrVersionNotFound}
	}

	start := pos
	for start > -1 && versions[start].Kind != VersionSnapshot {
		start--
	}
	if start < 0 {
		return nil, &Error{Kind: KindVersion, Op: "reconstruct", Table: t.name, Timestamp: ts, Err: errors.Wrap(ErrDeltaCorrupted, "no preceding snapshot")}
	}

	data, err := os.ReadFile(t.versionPath(versions[start].Timestamp, VersionSnapshot))
	if err != nil {
		return nil, &Error{Kind: KindVersion, Op: "reconstruct", Table: t.name, Timestamp: versions[start].Timestamp, Err: fmt.Errorf("%w: %w", ErrDeltaCorrupted, err)}
	}
	for _, v := range versions[start+1 : pos+1] {
		if data, err = t.applyDelta(data, v); err != nil {
			return nil, &Error{Kind: KindVersion, Op: "reconstruct", Table: t.name, Timestamp: v.Timestamp, Err: fmt.Errorf("%w: %w", ErrDeltaCorrupted, err)}
		}
	}
	return data, nil
}

// Rollback commits the content of version ts as a new version.
func (t *Table) Rollback(ts int64, user string) (*VersionInfo, error) {
	unlock, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	content, err := t.Reconstruct(ts)
	if err != nil {
		return nil, err
	}
	return t.commit(content, user, ActionRollback)
}

// --------------------------------------------------------------------

func (t *Table) init(content []byte, user string) (*VersionInfo, error) {
	rs, err := t.parse(content)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, t.error(KindIO, "create_table", errors.Wrap(err, "create table dir"))
	}

	unlock, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if t.exists() {
		return nil, t.error(KindIO, "create_table", ErrTableExists)
	}

	v := &VersionInfo{
		Timestamp: t.nextTimestamp(0),
		Action:    ActionInit,
		User:      logSafe(user),
		Size:      int64(len(content)),
		Kind:      VersionSnapshot,
	}
	if err := t.store(v, content, content); err != nil {
		return nil, err
	}
	return v, t.notify(v, nil, rs)
}

func (t *Table) notify(v *VersionInfo, info *delta.Info, rs *rowSet) error {
	if t.committed == nil {
		return nil
	}
	return t.committed(t, v, info, rs)
}

// update rewrites the latest rows through fn and commits the result.
func (t *Table) update(user string, action Action, fn func(*rowSet) error) (*VersionInfo, error) {
	unlock, err := t.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := t.ReadCurrent()
	if err != nil {
		return nil, err
	}
	rs, err := t.parse(data)
	if err != nil {
		return nil, err
	}
	if err := fn(rs); err != nil {
		return nil, err
	}

	content, err := rs.render(t.delim)
	if err != nil {
		return nil, t.error(KindParse, "render_rows", err)
	}
	return t.commit(content, user, action)
}

// commit must be called with the table locked.
func (t *Table) commit(content []byte, user string, action Action) (*VersionInfo, error) {
	rs, err := t.parse(content)
	if err != nil {
		return nil, err
	}

	prev, err := t.ReadCurrent()
	if err != nil {
		return nil, err
	}
	versions, err := t.readLog()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, t.error(KindVersion, "commit", errors.Wrap(ErrLogCorrupted, "no versions"))
	}

	v := &VersionInfo{
		Timestamp: t.nextTimestamp(versions[len(versions)-1].Timestamp),
		Action:    action,
		User:      logSafe(user),
		Kind:      VersionDelta,
	}

	deltas := 0
	for i := len(versions) - 1; i > -1 && versions[i].Kind == VersionDelta; i-- {
		deltas++
	}

	stored, info := content, (*delta.Info)(nil)
	if deltas+1 >= t.interval {
		v.Kind = VersionSnapshot
	} else {
		info = delta.Generate(prev, content, &delta.Options{Timestamp: v.Timestamp})
		stored = info.Data
	}
	v.Size = int64(len(stored))

	if err := t.store(v, stored, content); err != nil {
		return nil, err
	}
	return v, t.notify(v, info, rs)
}

// store writes the version file, the new current content and finally the
// log line.
func (t *Table) store(v *VersionInfo, stored, content []byte) error {
	if err := writeAtomic(t.versionPath(v.Timestamp, v.Kind), stored); err != nil {
		return t.error(KindIO, "store_version", err)
	}
	if err := writeAtomic(t.currentPath(), content); err != nil {
		return t.error(KindIO, "write_current", err)
	}

	f, err := os.OpenFile(t.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return t.error(KindIO, "append_version_log", errors.Wrap(err, "open version.log"))
	}
	if _, err := f.Write(v.appendLine(nil)); err != nil {
		_ = f.Close()
		return t.error(KindIO, "append_version_log", errors.Wrap(err, "write version.log"))
	}
	if err := f.Close(); err != nil {
		return t.error(KindIO, "append_version_log", errors.Wrap(err, "close version.log"))
	}
	return nil
}

func (t *Table) applyDelta(base []byte, v *VersionInfo) ([]byte, error) {
	data, err := os.ReadFile(t.versionPath(v.Timestamp, v.Kind))
	if err != nil {
		return nil, err
	}
	if v.Kind == VersionSnapshot {
		return data, nil
	}

	hdr, err := delta.ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Timestamp != v.Timestamp {
		return nil, fmt.Errorf("delta is tagged %d", hdr.Timestamp)
	}
	return delta.Apply(base, data)
}

func (t *Table) readLog() ([]*VersionInfo, error) {
	data, err := os.ReadFile(t.logPath())
	if os.IsNotExist(err) {
		if !t.exists() {
			return nil, t.error(KindIO, "read_version_log", ErrTableNotFound)
		}
		return nil, nil
	} else if err != nil {
		return nil, t.error(KindIO, "read_version_log", errors.Wrap(err, "read version.log"))
	}

	versions, err := readVersionLog(data)
	if e, ok := err.(*Error); ok {
		e.Table = t.name
	}
	return versions, err
}

func (t *Table) parse(data []byte) (*rowSet, error) {
	rs, err := parseRows(data, t.delim)
	if err != nil {
		if pe, ok := err.(*matrix.ParseError); ok {
			return nil, &Error{Kind: KindParse, Op: "parse_rows", Table: t.name, Line: pe.Line, Err: pe}
		}
		return nil, t.error(KindParse, "parse_rows", err)
	}
	return rs, nil
}

func (t *Table) lock() (func(), error) {
	t.mu.Lock()
	if err := t.flock.Lock(); err != nil {
		t.mu.Unlock()
		return nil, t.error(KindIO, "lock_table", errors.Wrap(err, "acquire table lock"))
	}
	return func() {
		_ = t.flock.Unlock()
		t.mu.Unlock()
	}, nil
}

// nextTimestamp returns a nanosecond timestamp strictly greater than both
// last and any timestamp previously issued by t.
func (t *Table) nextTimestamp(last int64) int64 {
	if t.last > last {
		last = t.last
	}
	ts := time.Now().UnixNano()
	if ts <= last {
		ts = last + 1
	}
	t.last = ts
	return ts
}

func (t *Table) error(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Table: t.name, Err: err}
}

// --------------------------------------------------------------------

// rowSet is a parsed row file. The first column holds the row key, the
// second the value returned by lookups.
type rowSet struct {
	fields []string
	recs   []*matrix.Record
	desc   bool
}

func parseRows(data []byte, delim string) (*rowSet, error) {
	r := matrix.NewReader(bytes.NewReader(data), &matrix.ReaderOptions{Delimiter: delim})
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, &matrix.ParseError{Line: 1, Reason: "expected a key and a value column"}
	}
	recs, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return &rowSet{fields: fields, recs: recs, desc: r.HasDescription()}, nil
}

func (rs *rowSet) keyField() string   { return rs.fields[0] }
func (rs *rowSet) valueField() string { return rs.fields[1] }

// key returns the raw key cell of row i.
func (rs *rowSet) key(i int) string {
	v, _ := rs.recs[i].Get(rs.keyField())
	return v.Encode()
}

func (rs *rowSet) render(delim string) ([]byte, error) {
	desc := rs.desc
	for _, rec := range rs.recs {
		if _, ok := rec.Description(); ok {
			desc = true
			break
		}
	}

	var buf bytes.Buffer
	w := matrix.NewWriter(&buf, rs.fields, &matrix.WriterOptions{Delimiter: delim, Description: desc})
	for _, rec := range rs.recs {
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", name)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return errors.Wrapf(err, "rename %s", name)
	}
	return nil
}
