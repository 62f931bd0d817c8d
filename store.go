package reedbase

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bsm/reedbase/delta"
	"github.com/bsm/reedbase/matrix"
	"github.com/bsm/reedbase/rbks"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	tablesDir  = "tables"
	indicesDir = "indices"

	primaryColumn = "_primary"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: no logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRegisterer registers store metrics with r. Default: unregistered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Store) { s.reg = r }
}

// Store manages the tables and indices below a data directory. It is safe
// for concurrent use.
type Store struct {
	cfg *Config
	log *zap.Logger
	reg prometheus.Registerer
	m   *metrics

	tablesDir  string
	indicesDir string

	mu      sync.RWMutex
	tables  map[string]*tableState
	indices map[indexID]*indexHandle
	closed  bool

	regMu sync.Mutex // serialises registry writes
}

// tableState caches the parsed rows of a table together with its primary
// index, which maps base@ENV to the row number.
type tableState struct {
	t *Table

	mu      sync.RWMutex
	rows    *rowSet
	primary *indexHandle
}

// Open opens a store, creating the data directory if necessary and
// rebuilding all indices from the current table content.
func Open(cfg *Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc := cfg.norm()

	s := &Store{
		cfg:        cc,
		log:        zap.NewNop(),
		tablesDir:  filepath.Join(cc.DataDir, tablesDir),
		indicesDir: filepath.Join(cc.DataDir, indicesDir),
		tables:     make(map[string]*tableState),
		indices:    make(map[indexID]*indexHandle),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.m = newMetrics(s.reg)

	for _, dir := range []string{s.tablesDir, s.indicesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &Error{Kind: KindIO, Op: "open", Err: errors.Wrapf(err, "create %s", dir)}
		}
	}

	if err := s.loadTables(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.loadIndices(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.log.Info("store_opened",
		zap.String("data_dir", cc.DataDir),
		zap.String("index_backend", cc.IndexBackend),
		zap.Int("tables", len(s.tables)),
		zap.Int("indices", len(s.indices)),
	)
	return s, nil
}

func (s *Store) loadTables() error {
	entries, err := os.ReadDir(s.tablesDir)
	if err != nil {
		return &Error{Kind: KindIO, Op: "open", Err: errors.Wrap(err, "list tables")}
	}

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		t := s.newTable(ent.Name())
		if !t.exists() {
			continue
		}

		data, err := t.ReadCurrent()
		if err != nil {
			return err
		}
		rs, err := t.parse(data)
		if err != nil {
			return err
		}

		ts := &tableState{t: t}
		if ts.primary, err = s.openIndex(indexID{table: t.name, column: primaryColumn}); err != nil {
			return err
		}
		s.tables[t.name] = ts
		if err := s.reindex(ts, rs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) newTable(name string) *Table {
	t := newTable(s.tablesDir, name, s.cfg)
	t.committed = s.committed
	return t
}

// committed is called with the table lock held after every new version.
func (s *Store) committed(t *Table, v *VersionInfo, info *delta.Info, rs *rowSet) error {
	s.m.versions.WithLabelValues(t.name, string(v.Kind)).Inc()

	fields := []zap.Field{
		zap.String("table", t.name),
		zap.Int64("version", v.Timestamp),
		zap.String("action", string(v.Action)),
		zap.String("user", v.User),
		zap.String("kind", string(v.Kind)),
		zap.Int64("size", v.Size),
	}
	if info != nil {
		s.m.savings.WithLabelValues(t.name).Set(info.Savings)
		fields = append(fields, zap.Float64("savings", info.Savings))
	}
	s.log.Info("table_committed", fields...)

	ts, err := s.table(t.name)
	if err != nil {
		return err
	}
	return s.reindex(ts, rs)
}

// Close closes all indices.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	for _, ts := range s.tables {
		if ts.primary == nil {
			continue
		}
		if err := ts.primary.close(); err != nil && first == nil {
			first = err
		}
	}
	for _, h := range s.indices {
		if err := h.close(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return &Error{Kind: KindIO, Op: "close", Err: first}
	}
	s.log.Info("store_closed")
	return nil
}

// --------------------------------------------------------------------

// CreateTable creates a table with the given column names. The first
// column holds row keys, the second the values returned by Get.
func (s *Store) CreateTable(name string, columns []string, user string) (tbl *Table, err error) {
	defer s.m.observe("create_table", time.Now(), &err)

	if err := validateName(name); err != nil {
		return nil, &Error{Kind: KindKey, Op: "create_table", Table: name, Err: err}
	}
	if len(columns) < 2 {
		return nil, &Error{Kind: KindParse, Op: "create_table", Table: name, Err: errors.New("expected a key and a value column")}
	}
	for _, col := range columns {
		if col == "" || strings.ContainsAny(col, s.cfg.Delimiter+"\r\n") {
			return nil, &Error{Kind: KindParse, Op: "create_table", Table: name, Err: errors.Wrapf(ErrInvalidName, "column %q", col)}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &Error{Kind: KindIO, Op: "create_table", Table: name, Err: ErrClosed}
	}
	if _, ok := s.tables[name]; ok {
		s.mu.Unlock()
		return nil, &Error{Kind: KindIO, Op: "create_table", Table: name, Err: ErrTableExists}
	}

	content := []byte(strings.Join(columns, s.cfg.Delimiter) + "\n")
	ts := &tableState{t: s.newTable(name)}
	if ts.rows, err = ts.t.parse(content); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if ts.primary, err = s.openIndex(indexID{table: name, column: primaryColumn}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.tables[name] = ts
	s.mu.Unlock()

	if _, err = ts.t.init(content, user); err != nil {
		s.mu.Lock()
		delete(s.tables, name)
		s.mu.Unlock()
		_ = ts.primary.drop()
		return nil, err
	}

	s.log.Info("table_created", zap.String("table", name), zap.Strings("columns", columns), zap.String("user", user))
	return ts.t, nil
}

// Table returns a table.
func (s *Store) Table(name string) (*Table, error) {
	ts, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return ts.t, nil
}

// Tables returns the sorted table names.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropTable removes a table with all its versions and indices. It requires
// confirm to be true.
func (s *Store) DropTable(name string, confirm bool) error {
	if !confirm {
		return &Error{Kind: KindIO, Op: "drop_table", Table: name, Err: ErrNotConfirmed}
	}

	ts, err := s.table(name)
	if err != nil {
		return err
	}

	unlock, err := ts.t.lock()
	if err != nil {
		return err
	}
	defer unlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	s.mu.Lock()
	delete(s.tables, name)
	var handles []*indexHandle
	for id, h := range s.indices {
		if id.table == name {
			handles = append(handles, h)
			delete(s.indices, id)
		}
	}
	s.mu.Unlock()

	for _, h := range append(handles, ts.primary) {
		if err := h.drop(); err != nil {
			return err
		}
	}
	if err := s.saveRegistry(); err != nil {
		return err
	}
	if err := os.RemoveAll(ts.t.dir); err != nil {
		return &Error{Kind: KindIO, Op: "drop_table", Table: name, Err: errors.Wrap(err, "remove table dir")}
	}

	s.log.Warn("table_dropped", zap.String("table", name))
	return nil
}

// --------------------------------------------------------------------

// Get returns the value stored under key in table. A key@ENV suffix takes
// precedence over env; an empty env selects the configured default. When
// no row exists for the environment, the DEFAULT row is returned.
func (s *Store) Get(table, key, env string) (matrix.Value, error) {
	rec, rs, err := s.getRecord("get", table, key, env)
	if err != nil {
		return matrix.Value{}, err
	}
	v, _ := rec.Get(rs.valueField())
	return v, nil
}

// GetRecord is like Get but returns the full row.
func (s *Store) GetRecord(table, key, env string) (*matrix.Record, error) {
	rec, _, err := s.getRecord("get_record", table, key, env)
	return rec, err
}

func (s *Store) getRecord(op, table, key, env string) (rec *matrix.Record, rs *rowSet, err error) {
	defer s.m.observe(op, time.Now(), &err)

	base, bucket, err := s.splitKey(key, env)
	if err != nil {
		return nil, nil, &Error{Kind: KindKey, Op: op, Table: table, Key: key, Err: err}
	}
	ts, err := s.table(table)
	if err != nil {
		return nil, nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	candidates := []string{EnvKey(base, bucket)}
	if bucket != DefaultEnv {
		candidates = append(candidates, EnvKey(base, DefaultEnv))
	}
	for _, k := range candidates {
		row, ok, err := ts.primary.row(k)
		if err != nil {
			return nil, nil, &Error{Kind: KindIndex, Op: op, Table: table, Key: key, Err: err}
		}
		if ok && row < len(ts.rows.recs) {
			return ts.rows.recs[row], ts.rows, nil
		}
	}
	return nil, nil, &Error{Kind: KindIndex, Op: op, Table: table, Key: key, Err: ErrNotFound}
}

// splitKey resolves the base and bucket of key, falling back to env and
// the configured default environment.
func (s *Store) splitKey(key, env string) (string, string, error) {
	base, bucket, err := SplitEnv(key)
	if err != nil {
		return "", "", err
	}
	if strings.IndexByte(key, envSep) > -1 {
		return base, bucket, nil
	}

	if env == "" {
		env = s.cfg.DefaultEnv
	}
	if bucket, err = normEnv(env); err != nil {
		return "", "", err
	}
	return base, bucket, nil
}

// Set stores value under key, committing a new table version. Keys
// without an environment suffix are stored in the DEFAULT bucket.
func (s *Store) Set(table, key string, value matrix.Value, user string) (v *VersionInfo, err error) {
	defer s.m.observe("set", time.Now(), &err)

	base, bucket, err := SplitEnv(key)
	if err != nil {
		return nil, &Error{Kind: KindKey, Op: "set", Table: table, Key: key, Err: err}
	}
	if err := s.validateBase(base); err != nil {
		return nil, &Error{Kind: KindKey, Op: "set", Table: table, Key: key, Err: err}
	}
	cell := value.Encode()
	if strings.Contains(cell, s.cfg.Delimiter) || strings.ContainsAny(cell, "\r\n") {
		return nil, &Error{Kind: KindParse, Op: "set", Table: table, Key: key, Err: errors.Wrap(ErrInvalidValue, "value contains a delimiter or line break")}
	}
	if cell != strings.TrimSpace(cell) {
		return nil, &Error{Kind: KindParse, Op: "set", Table: table, Key: key, Err: errors.Wrap(ErrInvalidValue, "surrounding blanks")}
	}

	ts, err := s.table(table)
	if err != nil {
		return nil, err
	}

	lookup := EnvKey(base, bucket)
	if max := ts.primary.maxEntrySize(); max > 0 && len(lookup)+binary.MaxVarintLen64 > max {
		return nil, &Error{Kind: KindKey, Op: "set", Table: table, Key: key, Err: errors.Wrapf(ErrInvalidKey, "key exceeds %d bytes", max-binary.MaxVarintLen64)}
	}

	return ts.t.update(user, ActionSet, func(rs *rowSet) error {
		for i := len(rs.recs) - 1; i > -1; i-- {
			if k, ok := canonicalKey(rs.key(i)); ok && k == lookup {
				rs.recs[i].Set(rs.valueField(), value)
				return nil
			}
		}

		rec := matrix.NewRecord()
		rec.Set(rs.keyField(), matrix.Single(rowKey(base, bucket)))
		rec.Set(rs.valueField(), value)
		rs.recs = append(rs.recs, rec)
		return nil
	})
}

func (s *Store) validateBase(base string) error {
	if base != strings.TrimSpace(base) {
		return errors.Wrap(ErrInvalidKey, "surrounding blanks")
	}
	if strings.Contains(base, s.cfg.Delimiter) || strings.ContainsAny(base, "\r\n") {
		return errors.Wrap(ErrInvalidKey, "key contains a delimiter or line break")
	}
	if strings.HasPrefix(base, "#") {
		return errors.Wrap(ErrInvalidKey, "key starts with a comment marker")
	}
	if s.cfg.ValidateKeys {
		return rbks.Validate(base)
	}
	return nil
}

// Scan returns the rows whose key base starts with prefix, ordered by key.
func (s *Store) Scan(table, prefix string) (recs []*matrix.Record, err error) {
	defer s.m.observe("scan", time.Now(), &err)

	ts, err := s.table(table)
	if err != nil {
		return nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	pairs, err := ts.primary.scan(prefix, prefix+"\xff")
	if err != nil {
		return nil, &Error{Kind: KindIndex, Op: "scan", Table: table, Key: prefix, Err: err}
	}
	for _, p := range pairs {
		if row, n := binary.Uvarint(p.Value); n > 0 && int(row) < len(ts.rows.recs) {
			recs = append(recs, ts.rows.recs[row])
		}
	}
	return recs, nil
}

// --------------------------------------------------------------------

func (s *Store) table(name string) (*tableState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &Error{Kind: KindIO, Op: "table", Table: name, Err: ErrClosed}
	}
	ts, ok := s.tables[name]
	if !ok {
		return nil, &Error{Kind: KindIO, Op: "table", Table: name, Err: ErrTableNotFound}
	}
	return ts, nil
}

// reindex replaces the cached rows and brings all indices of the table in
// line with them.
func (s *Store) reindex(ts *tableState, rs *rowSet) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.rows = rs

	want := make(map[string][]byte, len(rs.recs))
	for i := range rs.recs {
		k, ok := canonicalKey(rs.key(i))
		if !ok {
			s.log.Warn("invalid_row_key", zap.String("table", ts.t.name), zap.String("key", rs.key(i)))
			continue
		}
		want[k] = binary.AppendUvarint(nil, uint64(i))
	}
	if err := s.sync(ts.primary, want); err != nil {
		return err
	}

	s.mu.RLock()
	var handles []*indexHandle
	for id, h := range s.indices {
		if id.table == ts.t.name {
			handles = append(handles, h)
		}
	}
	s.mu.RUnlock()

	for _, h := range handles {
		if err := s.sync(h, secondaryEntries(rs, h.id.column)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) sync(h *indexHandle, want map[string][]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := syncIndex(h.idx, want); err != nil {
		return &Error{Kind: KindIndex, Op: "sync_index", Table: h.id.table, Key: h.id.column, Err: err}
	}
	s.m.entries.WithLabelValues(h.id.table, h.id.column).Set(float64(h.idx.Len()))
	return nil
}

// canonicalKey returns the primary index key of a row key cell.
func canonicalKey(cell string) (string, bool) {
	base, env, err := SplitEnv(cell)
	if err != nil {
		return "", false
	}
	return EnvKey(base, env), true
}

func validateName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "empty name")
	}
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return errors.Wrapf(ErrInvalidName, "invalid character %q in %q", c, name)
		}
	}
	return nil
}
