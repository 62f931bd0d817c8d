package reedbase

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/reedbase/btree"
	"github.com/bsm/reedbase/index"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const registryFile = "registry.yaml"

// Cells longer than maxTermLen are indexed by a prefix and their hash so
// that entries stay within the page budget of the disk backend.
const (
	maxTermLen    = 48
	termPrefixLen = 32
)

// IndexInfo describes a secondary index.
type IndexInfo struct {
	Table       string
	Column      string
	Backend     index.Kind
	Entries     int
	MemoryBytes int64
	DiskBytes   int64
}

func (i IndexInfo) String() string {
	return fmt.Sprintf("%s.%s (%s): %d entries, %s memory, %s disk",
		i.Table, i.Column, i.Backend, i.Entries,
		humanize.Bytes(uint64(i.MemoryBytes)), humanize.Bytes(uint64(i.DiskBytes)))
}

type indexID struct{ table, column string }

func (id indexID) fileName() string {
	if id.column == primaryColumn {
		return id.table + ".primary.btree"
	}
	col := id.column
	if validateName(col) != nil {
		col = strconv.FormatUint(xxhash.Sum64String(col), 16)
	}
	return id.table + ".idx." + col + ".btree"
}

// indexHandle guards an index with a single-writer/multi-reader lock.
type indexHandle struct {
	id   indexID
	path string

	mu  sync.RWMutex
	idx index.Index
}

func (h *indexHandle) row(key string) (int, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	val, ok, err := h.idx.Get(key)
	if err != nil || !ok {
		return 0, false, err
	}
	row, n := binary.Uvarint(val)
	if n <= 0 {
		return 0, false, errors.Errorf("invalid row number for %q", key)
	}
	return int(row), true, nil
}

func (h *indexHandle) scan(start, end string) ([]index.Pair, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.idx.Range(start, end)
}

func (h *indexHandle) maxEntrySize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if t, ok := h.idx.(interface{ MaxEntrySize() int }); ok {
		return t.MaxEntrySize()
	}
	return 0
}

func (h *indexHandle) info() IndexInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return IndexInfo{
		Table:       h.id.table,
		Column:      h.id.column,
		Backend:     h.idx.Kind(),
		Entries:     h.idx.Len(),
		MemoryBytes: h.idx.MemoryBytes(),
		DiskBytes:   h.idx.DiskBytes(),
	}
}

func (h *indexHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.idx.Close()
}

// drop closes the index and removes its file.
func (h *indexHandle) drop() error {
	if err := h.close(); err != nil {
		return &Error{Kind: KindIndex, Op: "drop_index", Table: h.id.table, Key: h.id.column, Err: err}
	}
	if h.path == "" {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return &Error{Kind: KindIO, Op: "drop_index", Table: h.id.table, Key: h.id.column, Err: errors.Wrap(err, "remove index file")}
	}
	return nil
}

// --------------------------------------------------------------------

// CreateIndex builds a secondary index over a table column. The index is
// write-locked until it is fully built.
func (s *Store) CreateIndex(table, column string) (err error) {
	defer s.m.observe("create_index", time.Now(), &err)

	ts, err := s.table(table)
	if err != nil {
		return err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if !hasField(ts.rows, column) {
		return &Error{Kind: KindIndex, Op: "create_index", Table: table, Key: column, Err: ErrColumnNotFound}
	}

	id := indexID{table: table, column: column}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Kind: KindIndex, Op: "create_index", Table: table, Key: column, Err: ErrClosed}
	}
	if _, ok := s.indices[id]; ok {
		s.mu.Unlock()
		return &Error{Kind: KindIndex, Op: "create_index", Table: table, Key: column, Err: ErrIndexExists}
	}
	h, err := s.openIndex(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	h.mu.Lock()
	s.indices[id] = h
	s.mu.Unlock()

	err = syncIndex(h.idx, secondaryEntries(ts.rows, column))
	h.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.indices, id)
		s.mu.Unlock()
		_ = h.drop()
		return &Error{Kind: KindIndex, Op: "create_index", Table: table, Key: column, Err: err}
	}
	if err := s.saveRegistry(); err != nil {
		return err
	}

	info := h.info()
	s.m.entries.WithLabelValues(table, column).Set(float64(info.Entries))
	s.log.Info("index_created",
		zap.String("table", table),
		zap.String("column", column),
		zap.String("backend", string(info.Backend)),
		zap.Int("entries", info.Entries),
		zap.String("disk", humanize.Bytes(uint64(info.DiskBytes))),
	)
	return nil
}

// DropIndex removes a secondary index.
func (s *Store) DropIndex(table, column string) error {
	id := indexID{table: table, column: column}

	s.mu.Lock()
	h, ok := s.indices[id]
	if !ok {
		s.mu.Unlock()
		return &Error{Kind: KindIndex, Op: "drop_index", Table: table, Key: column, Err: ErrIndexNotFound}
	}
	delete(s.indices, id)
	s.mu.Unlock()

	if err := h.drop(); err != nil {
		return err
	}
	if err := s.saveRegistry(); err != nil {
		return err
	}

	s.m.entries.DeleteLabelValues(table, column)
	s.log.Info("index_dropped", zap.String("table", table), zap.String("column", column))
	return nil
}

// RebuildIndex discards a secondary index and rebuilds it from the latest
// table content.
func (s *Store) RebuildIndex(table, column string) (err error) {
	defer s.m.observe("rebuild_index", time.Now(), &err)

	ts, err := s.table(table)
	if err != nil {
		return err
	}
	h, err := s.index(table, column)
	if err != nil {
		return err
	}

	unlock, err := ts.t.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := ts.t.ReadCurrent()
	if err != nil {
		return err
	}
	rs, err := ts.t.parse(data)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.rows = rs

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := s.resetIndex(h); err != nil {
		return err
	}
	if err := syncIndex(h.idx, secondaryEntries(rs, column)); err != nil {
		return &Error{Kind: KindIndex, Op: "rebuild_index", Table: table, Key: column, Err: err}
	}
	s.m.entries.WithLabelValues(table, column).Set(float64(h.idx.Len()))

	s.log.Info("index_rebuilt", zap.String("table", table), zap.String("column", column), zap.Int("rows", len(rs.recs)))
	return nil
}

// Indices returns all secondary indices, ordered by table and column.
func (s *Store) Indices() []IndexInfo {
	s.mu.RLock()
	handles := make([]*indexHandle, 0, len(s.indices))
	for _, h := range s.indices {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	infos := make([]IndexInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Table != infos[j].Table {
			return infos[i].Table < infos[j].Table
		}
		return infos[i].Column < infos[j].Column
	})
	return infos
}

// Lookup returns the ascending row numbers whose column cell equals value.
// It requires an index on the column.
func (s *Store) Lookup(table, column, value string) (rows []int, err error) {
	defer s.m.observe("lookup", time.Now(), &err)

	ts, err := s.table(table)
	if err != nil {
		return nil, err
	}
	h, err := s.index(table, column)
	if err != nil {
		return nil, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	term := indexTerm(value)
	pairs, err := h.scan(term+"\x00", term+"\x01")
	if err != nil {
		return nil, &Error{Kind: KindIndex, Op: "lookup", Table: table, Key: column, Err: err}
	}

	for _, p := range pairs {
		if len(p.Key) < 8 {
			continue
		}
		row := int(binary.BigEndian.Uint64([]byte(p.Key[len(p.Key)-8:])))
		if row >= len(ts.rows.recs) {
			continue
		}
		if v, ok := ts.rows.recs[row].Get(column); ok && v.Encode() == value {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// --------------------------------------------------------------------

func (s *Store) index(table, column string) (*indexHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &Error{Kind: KindIndex, Op: "index", Table: table, Key: column, Err: ErrClosed}
	}
	h, ok := s.indices[indexID{table: table, column: column}]
	if !ok {
		return nil, &Error{Kind: KindIndex, Op: "index", Table: table, Key: column, Err: ErrIndexNotFound}
	}
	return h, nil
}

// openIndex opens the backend of an index. Disk files that cannot be
// reused are recreated, since indices are derived from table content.
func (s *Store) openIndex(id indexID) (*indexHandle, error) {
	h := &indexHandle{id: id}
	if index.Kind(s.cfg.IndexBackend) == index.KindBTree {
		h.path = filepath.Join(s.indicesDir, id.fileName())
	}

	var err error
	if h.idx, err = s.newBackend(h.path); err == nil {
		return h, nil
	}
	if !errors.Is(err, btree.ErrOptionMismatch) && !errors.Is(err, btree.ErrBadMagic) && !errors.Is(err, btree.ErrCorruptPage) {
		return nil, &Error{Kind: KindIndex, Op: "open_index", Table: id.table, Key: id.column, Err: err}
	}

	s.log.Warn("index_recreated", zap.String("table", id.table), zap.String("column", id.column), zap.Error(err))
	if err := s.resetIndex(h); err != nil {
		return nil, err
	}
	return h, nil
}

// resetIndex replaces the backend of h with an empty one. The caller must
// hold the write lock of h, if it is shared.
func (s *Store) resetIndex(h *indexHandle) error {
	if h.idx != nil {
		if err := h.idx.Close(); err != nil {
			return &Error{Kind: KindIndex, Op: "reset_index", Table: h.id.table, Key: h.id.column, Err: err}
		}
	}
	if h.path != "" {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			return &Error{Kind: KindIO, Op: "reset_index", Table: h.id.table, Key: h.id.column, Err: errors.Wrap(err, "remove index file")}
		}
	}

	idx, err := s.newBackend(h.path)
	if err != nil {
		return &Error{Kind: KindIndex, Op: "reset_index", Table: h.id.table, Key: h.id.column, Err: err}
	}
	h.idx = idx
	return nil
}

func (s *Store) newBackend(path string) (index.Index, error) {
	if path == "" {
		return index.NewMemory(), nil
	}
	return btree.Open(path, s.cfg.btreeOptions())
}

// --------------------------------------------------------------------

type registry struct {
	Indices []registryEntry `yaml:"indices"`
}

type registryEntry struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

// loadIndices opens and syncs the secondary indices listed in the registry.
func (s *Store) loadIndices() error {
	data, err := os.ReadFile(filepath.Join(s.indicesDir, registryFile))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return &Error{Kind: KindIO, Op: "load_indices", Err: errors.Wrap(err, "read index registry")}
	}

	var reg registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return &Error{Kind: KindParse, Op: "load_indices", Err: errors.Wrap(err, "parse index registry")}
	}

	for _, ent := range reg.Indices {
		ts, ok := s.tables[ent.Table]
		if !ok {
			s.log.Warn("index_table_missing", zap.String("table", ent.Table), zap.String("column", ent.Column))
			continue
		}

		id := indexID{table: ent.Table, column: ent.Column}
		h, err := s.openIndex(id)
		if err != nil {
			return err
		}
		s.indices[id] = h
		if err := s.sync(h, secondaryEntries(ts.rows, ent.Column)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveRegistry() error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.RLock()
	reg := registry{Indices: make([]registryEntry, 0, len(s.indices))}
	for id := range s.indices {
		reg.Indices = append(reg.Indices, registryEntry{Table: id.table, Column: id.column})
	}
	s.mu.RUnlock()

	sort.Slice(reg.Indices, func(i, j int) bool {
		a, b := reg.Indices[i], reg.Indices[j]
		return a.Table < b.Table || (a.Table == b.Table && a.Column < b.Column)
	})

	data, err := yaml.Marshal(&reg)
	if err != nil {
		return &Error{Kind: KindIO, Op: "save_indices", Err: errors.Wrap(err, "encode index registry")}
	}
	if err := writeAtomic(filepath.Join(s.indicesDir, registryFile), data); err != nil {
		return &Error{Kind: KindIO, Op: "save_indices", Err: err}
	}
	return nil
}

// --------------------------------------------------------------------

// syncIndex applies the minimal set of deletes and inserts that make idx
// hold exactly the pairs in want.
func syncIndex(idx index.Index, want map[string][]byte) error {
	it, err := idx.Iterate()
	if err != nil {
		return err
	}

	var stale []string
	have := make(map[string]struct{}, len(want))
	for it.Next() {
		key := it.Key()
		if val, ok := want[key]; !ok {
			stale = append(stale, key)
		} else if bytes.Equal(val, it.Value()) {
			have[key] = struct{}{}
		}
	}
	err = it.Err()
	it.Release()
	if err != nil {
		return err
	}

	for _, key := range stale {
		if err := idx.Delete(key); err != nil {
			return err
		}
	}

	missing := make([]string, 0, len(want)-len(have))
	for key := range want {
		if _, ok := have[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		if err := idx.Insert(key, want[key]); err != nil {
			return errors.Wrapf(err, "index %q", key)
		}
	}
	return nil
}

// secondaryEntries maps term\x00rowid to an empty value for every row.
func secondaryEntries(rs *rowSet, column string) map[string][]byte {
	want := make(map[string][]byte, len(rs.recs))
	if !hasField(rs, column) {
		return want
	}

	var rowID [8]byte
	for i, rec := range rs.recs {
		v, _ := rec.Get(column)
		binary.BigEndian.PutUint64(rowID[:], uint64(i))
		want[indexTerm(v.Encode())+"\x00"+string(rowID[:])] = []byte{}
	}
	return want
}

func indexTerm(cell string) string {
	if len(cell) <= maxTermLen {
		return cell
	}
	return cell[:termPrefixLen] + "#" + fmt.Sprintf("%016x", xxhash.Sum64String(cell))
}

func hasField(rs *rowSet, column string) bool {
	if rs == nil {
		return false
	}
	for _, f := range rs.fields {
		if f == column {
			return true
		}
	}
	return false
}
