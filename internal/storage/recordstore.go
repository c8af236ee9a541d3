package storage

import (
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Catalog is the thin external collaborator record_store consults for a
// table's Schema and on-disk layout, per spec §2's "Catalog (external)"
// row. internal/catalog provides a concrete implementation.
type Catalog interface {
	GetSchema(table string) (Schema, error)
	TableDir(table string) string
}

// DMLResult is the outcome of a Delete call.
type DMLResult int

const (
	Deleted DMLResult = iota + 1
	NotFound
)

func (d DMLResult) String() string {
	switch d {
	case Deleted:
		return "Deleted"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// RecordStore is the stateless-per-call module of spec §4.6: row
// insert/find/delete/scan built from the buffer pool, the per-table
// free-space map, and one B+ tree per unique field, all resolved lazily
// and cached per table/field for the lifetime of the process.
type RecordStore struct {
	catalog  Catalog
	pool     *BufferPool
	logger   *zap.Logger
	pageSize int

	mu       sync.Mutex
	freeMaps map[string]*FreeSpaceMap
	trees    map[string]*BTree // keyed by table + "\x00" + field
}

// NewRecordStore builds a record store over an already-open buffer pool.
func NewRecordStore(catalog Catalog, pool *BufferPool, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		catalog:  catalog,
		pool:     pool,
		logger:   logger,
		pageSize: pool.pageSize,
		freeMaps: make(map[string]*FreeSpaceMap),
		trees:    make(map[string]*BTree),
	}
}

func (rs *RecordStore) dataPath(table string) string {
	return filepath.Join(rs.catalog.TableDir(table), "data.tbl")
}

func (rs *RecordStore) indexPath(table, field string) string {
	return filepath.Join(rs.catalog.TableDir(table), field+".idx")
}

// freeSpaceMap returns the cached FreeSpaceMap for table, loading it from
// disk on first use.
func (rs *RecordStore) freeSpaceMap(table string, schema Schema) (*FreeSpaceMap, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if m, ok := rs.freeMaps[table]; ok {
		return m, nil
	}
	m := NewFreeSpaceMap(rs.catalog.TableDir(table), schema.RecordsPerPage(rs.pageSize), rs.pool)
	if err := m.Load(); err != nil {
		return nil, err
	}
	rs.freeMaps[table] = m
	return m, nil
}

// uniqueIndex returns the cached BTree for table+field, opening it on
// first use.
func (rs *RecordStore) uniqueIndex(table, field string) (*BTree, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	key := table + "\x00" + field
	if t, ok := rs.trees[key]; ok {
		return t, nil
	}
	t, err := NewBTree(rs.indexPath(table, field), rs.pool)
	if err != nil {
		return nil, err
	}
	rs.trees[key] = t
	return t, nil
}

func (rs *RecordStore) schema(table string) (Schema, error) {
	return rs.catalog.GetSchema(table)
}

func offsetOf(pageSize int, page uint32, slot int, schema Schema) int64 {
	return int64(page)*int64(pageSize) + int64(slot)*int64(schema.SlotWidth())
}

func decodeOffset(pageSize int, offset int64, schema Schema) (page uint32, slot int) {
	page = uint32(offset / int64(pageSize))
	rem := offset % int64(pageSize)
	slot = int(rem / int64(schema.SlotWidth()))
	return
}

// Insert places values as a new row, rejecting a duplicate on any unique
// field, per spec §4.6.
func (rs *RecordStore) Insert(table string, values []string) (int64, error) {
	schema, err := rs.schema(table)
	if err != nil {
		return 0, err
	}

	for _, field := range schema.UniqueKeys {
		idx, ok := schema.FieldIndex(field)
		if !ok {
			continue
		}
		tree, err := rs.uniqueIndex(table, field)
		if err != nil {
			return 0, err
		}
		if _, found, err := tree.Search(values[idx]); err != nil {
			return 0, err
		} else if found {
			return 0, DuplicateKeyf("table %q: field %q value %q already exists", table, field, values[idx])
		}
	}

	fsm, err := rs.freeSpaceMap(table, schema)
	if err != nil {
		return 0, err
	}
	page, err := fsm.GetPageWithFreeSlot()
	if err != nil {
		return 0, err
	}

	path := rs.dataPath(table)
	buf, err := rs.pool.Pin(path, page, Data)
	if err != nil {
		return 0, err
	}
	slot := findFreeSlot(buf, schema.SlotWidth())
	if slot < 0 {
		rs.pool.Unpin(path, page, Data, false)
		return 0, Inconsistentf("table %q page %d: free-space map claims a free slot the page lacks", table, page)
	}
	writeSlot(buf, slot, values, schema)
	rs.pool.Unpin(path, page, Data, true)
	// Write the page through so data.tbl's size, which scans use to count
	// pages, covers every page that holds a row.
	if err := rs.pool.Flush(path, page, Data); err != nil {
		return 0, err
	}

	if err := fsm.MarkSlotUsed(page); err != nil {
		return 0, err
	}

	offset := offsetOf(rs.pageSize, page, slot, schema)
	for _, field := range schema.UniqueKeys {
		idx, ok := schema.FieldIndex(field)
		if !ok {
			continue
		}
		tree, err := rs.uniqueIndex(table, field)
		if err != nil {
			return 0, err
		}
		if err := tree.Insert(values[idx], offset); err != nil {
			return 0, err
		}
	}

	return offset, nil
}

// Find locates a row by field=value, using the B+ tree when field is a
// unique key and a full scan otherwise. The returned offset identifies the
// row for a later Update or for building a `<table>:row:<offset>` lock
// resource.
func (rs *RecordStore) Find(table, field, value string) (Row, int64, bool, error) {
	schema, err := rs.schema(table)
	if err != nil {
		return Row{}, 0, false, err
	}

	if schema.IsUnique(field) {
		tree, err := rs.uniqueIndex(table, field)
		if err != nil {
			return Row{}, 0, false, err
		}
		offset, found, err := tree.Search(value)
		if err != nil || !found {
			return Row{}, 0, false, err
		}
		row, ok, err := rs.readRowAt(table, schema, offset)
		if err != nil || !ok {
			return Row{}, 0, false, err
		}
		return row, offset, true, nil
	}

	rows, offsets, err := rs.scanAllOffsets(table)
	if err != nil {
		return Row{}, 0, false, err
	}
	for i, row := range rows {
		if v, ok := row.Get(schema, field); ok && v == value {
			return row, offsets[i], true, nil
		}
	}
	return Row{}, 0, false, nil
}

// Update overwrites a single field of the row at offset with newValue,
// mutating the slotted page directly through the buffer pool: this is the
// "page is mutated in C2" step of an update transaction's control flow,
// applied after the coordinator has logged before/after images to the WAL
// and before it commits. It does not touch any unique-field index, so
// updating a unique key's own field is rejected.
func (rs *RecordStore) Update(table string, offset int64, field, newValue string) error {
	schema, err := rs.schema(table)
	if err != nil {
		return err
	}
	if schema.IsUnique(field) {
		return LogicErrorf("table %q: update cannot target unique key field %q", table, field)
	}
	idx, ok := schema.FieldIndex(field)
	if !ok {
		return LogicErrorf("table %q: unknown field %q", table, field)
	}

	page, slot := decodeOffset(rs.pageSize, offset, schema)
	path := rs.dataPath(table)
	buf, err := rs.pool.Pin(path, page, Data)
	if err != nil {
		return err
	}
	if !isSlotValid(buf, slot, schema) {
		rs.pool.Unpin(path, page, Data, false)
		return NotFoundf("table %q offset %d: row not live", table, offset)
	}
	writeFieldValue(buf, slot, idx, newValue, schema)
	rs.pool.Unpin(path, page, Data, true)
	return nil
}

func (rs *RecordStore) readRowAt(table string, schema Schema, offset int64) (Row, bool, error) {
	page, slot := decodeOffset(rs.pageSize, offset, schema)
	path := rs.dataPath(table)
	buf, err := rs.pool.Pin(path, page, Data)
	if err != nil {
		return Row{}, false, err
	}
	row, ok := readSlot(buf, slot, schema)
	rs.pool.Unpin(path, page, Data, false)
	return row, ok, nil
}

// Delete removes the row located by the unique field=value, per spec
// §4.6. field must be a declared unique key.
func (rs *RecordStore) Delete(table, field, value string) (DMLResult, error) {
	schema, err := rs.schema(table)
	if err != nil {
		return 0, err
	}
	if !schema.IsUnique(field) {
		return 0, LogicErrorf("table %q: delete requires a unique key field, got %q", table, field)
	}

	tree, err := rs.uniqueIndex(table, field)
	if err != nil {
		return 0, err
	}
	offset, found, err := tree.Search(value)
	if err != nil {
		return 0, err
	}
	if !found {
		return NotFound, nil
	}
	if _, err := tree.Delete(value); err != nil {
		return 0, err
	}

	page, slot := decodeOffset(rs.pageSize, offset, schema)
	path := rs.dataPath(table)
	buf, err := rs.pool.Pin(path, page, Data)
	if err != nil {
		return 0, err
	}
	markDeleted(buf, slot, schema)
	rs.pool.Unpin(path, page, Data, true)

	fsm, err := rs.freeSpaceMap(table, schema)
	if err != nil {
		return 0, err
	}
	if err := fsm.MarkSlotFree(page); err != nil {
		return 0, err
	}
	return Deleted, nil
}

// ScanAll yields every live row across the whole data file, in page order.
func (rs *RecordStore) ScanAll(table string) ([]Row, error) {
	rows, _, err := rs.scanAllOffsets(table)
	return rows, err
}

// scanAllOffsets is ScanAll plus each row's offset, in the same order —
// the shared full-scan path used both by ScanAll and by Find's fallback
// for non-unique fields.
func (rs *RecordStore) scanAllOffsets(table string) ([]Row, []int64, error) {
	schema, err := rs.schema(table)
	if err != nil {
		return nil, nil, err
	}
	path := rs.dataPath(table)
	total, err := totalPages(path, rs.pageSize)
	if err != nil {
		return nil, nil, err
	}

	var rows []Row
	var offsets []int64
	recordsPerPage := schema.RecordsPerPage(rs.pageSize)
	for page := uint32(0); page < total; page++ {
		buf, err := rs.pool.Pin(path, page, Data)
		if err != nil {
			return nil, nil, err
		}
		for slot := 0; slot < recordsPerPage; slot++ {
			if row, ok := readSlot(buf, slot, schema); ok {
				rows = append(rows, row)
				offsets = append(offsets, offsetOf(rs.pageSize, page, slot, schema))
			}
		}
		rs.pool.Unpin(path, page, Data, false)
	}
	return rows, offsets, nil
}

func (rs *RecordStore) scanRange(table, field, low, high string) ([]Row, error) {
	schema, err := rs.schema(table)
	if err != nil {
		return nil, err
	}
	if !schema.IsUnique(field) {
		return nil, LogicErrorf("table %q: range scan requires a unique key field, got %q", table, field)
	}
	tree, err := rs.uniqueIndex(table, field)
	if err != nil {
		return nil, err
	}
	offsets, err := tree.Range(low, high)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(offsets))
	for _, off := range offsets {
		row, ok, err := rs.readRowAt(table, schema, off)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ScanGe returns rows with field >= low, ascending by key.
func (rs *RecordStore) ScanGe(table, field, low string) ([]Row, error) {
	return rs.scanRange(table, field, low, "")
}

// ScanLe returns rows with field <= high, ascending by key.
func (rs *RecordStore) ScanLe(table, field, high string) ([]Row, error) {
	return rs.scanRange(table, field, "", high)
}

// ScanBetween returns rows with low <= field <= high, ascending by key.
func (rs *RecordStore) ScanBetween(table, field, low, high string) ([]Row, error) {
	return rs.scanRange(table, field, low, high)
}
