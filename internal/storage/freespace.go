package storage

import (
	"encoding/binary"
)

const freeSpaceEntrySize = 6 // u32 page id + u16 free slots

// freeSpaceEntry is one packed {page_id, free_slots} record, per spec §3's
// Free-space map page.
type freeSpaceEntry struct {
	PageID    uint32
	FreeSlots uint16
}

// FreeSpaceMap is the per-table advisory index from page id to free-slot
// count, persisted in <table_dir>/free_space.meta via the buffer pool's
// META partition. It is advisory: the validity bytes on a data page are
// the authoritative source of truth, per spec §4.4.
type FreeSpaceMap struct {
	path           string
	recordsPerPage int
	pool           *BufferPool
	entries        []freeSpaceEntry
}

// NewFreeSpaceMap builds a map bound to one table's free_space.meta file.
// recordsPerPage is derived from the table's schema slot width.
func NewFreeSpaceMap(tableDir string, recordsPerPage int, pool *BufferPool) *FreeSpaceMap {
	return &FreeSpaceMap{
		path:           tableDir + "/free_space.meta",
		recordsPerPage: recordsPerPage,
		pool:           pool,
	}
}

func entriesPerPage(pageSize int) int {
	return pageSize / freeSpaceEntrySize
}

// Initialize installs a single entry {0, recordsPerPage} and persists it,
// discarding anything previously on disk.
func (m *FreeSpaceMap) Initialize() error {
	m.entries = []freeSpaceEntry{{PageID: 0, FreeSlots: uint16(m.recordsPerPage)}}
	return m.Save()
}

// Load reads META pages starting at 0, stopping at the first all-zero
// 6-byte entry encountered after at least one non-zero entry has been
// read. If the very first entry is all-zero, the map is empty.
func (m *FreeSpaceMap) Load() error {
	m.entries = m.entries[:0]
	perPage := entriesPerPage(m.pool.pageSize)

	for pageNum := uint32(0); ; pageNum++ {
		buf, err := m.pool.Pin(m.path, pageNum, Meta)
		if err != nil {
			return err
		}

		anyNonZero := false
		stop := false
		for i := 0; i < perPage; i++ {
			off := i * freeSpaceEntrySize
			id := binary.LittleEndian.Uint32(buf[off : off+4])
			slots := binary.LittleEndian.Uint16(buf[off+4 : off+6])
			if id == 0 && slots == 0 {
				if pageNum == 0 && len(m.entries) == 0 {
					m.pool.Unpin(m.path, pageNum, Meta, false)
					return nil
				}
				stop = true
				break
			}
			anyNonZero = true
			m.entries = append(m.entries, freeSpaceEntry{PageID: id, FreeSlots: slots})
		}

		m.pool.Unpin(m.path, pageNum, Meta, false)

		if stop || !anyNonZero {
			return nil
		}
	}
}

// Save rewrites every entry page by page, zero-filling the remainder of
// each page. Trailing pages that previously held data but are no longer
// needed are not truncated, per spec §4.4/§9.
func (m *FreeSpaceMap) Save() error {
	perPage := entriesPerPage(m.pool.pageSize)
	numPages := (len(m.entries) + perPage - 1) / perPage
	if numPages == 0 {
		numPages = 1
	}

	for pageNum := 0; pageNum < numPages; pageNum++ {
		buf, err := m.pool.Pin(m.path, uint32(pageNum), Meta)
		if err != nil {
			return err
		}
		clear(buf)

		base := pageNum * perPage
		limit := min(base+perPage, len(m.entries))
		for i := base; i < limit; i++ {
			off := (i - base) * freeSpaceEntrySize
			binary.LittleEndian.PutUint32(buf[off:off+4], m.entries[i].PageID)
			binary.LittleEndian.PutUint16(buf[off+4:off+6], m.entries[i].FreeSlots)
		}

		m.pool.Unpin(m.path, uint32(pageNum), Meta, true)
	}
	return nil
}

// GetPageWithFreeSlot returns the id of the first entry with FreeSlots >
// 0, allocating and persisting a new trailing entry if none qualifies.
func (m *FreeSpaceMap) GetPageWithFreeSlot() (uint32, error) {
	for _, e := range m.entries {
		if e.FreeSlots > 0 {
			return e.PageID, nil
		}
	}
	var newID uint32
	if len(m.entries) > 0 {
		newID = m.entries[len(m.entries)-1].PageID + 1
	}
	m.entries = append(m.entries, freeSpaceEntry{PageID: newID, FreeSlots: uint16(m.recordsPerPage)})
	if err := m.Save(); err != nil {
		return 0, err
	}
	return newID, nil
}

// MarkSlotUsed decrements pageID's free-slot counter, clamped at 0.
func (m *FreeSpaceMap) MarkSlotUsed(pageID uint32) error {
	for i := range m.entries {
		if m.entries[i].PageID == pageID {
			if m.entries[i].FreeSlots > 0 {
				m.entries[i].FreeSlots--
			}
			return m.Save()
		}
	}
	return Inconsistentf("free space map has no entry for page %d", pageID)
}

// MarkSlotFree increments pageID's free-slot counter, clamped at
// recordsPerPage.
func (m *FreeSpaceMap) MarkSlotFree(pageID uint32) error {
	for i := range m.entries {
		if m.entries[i].PageID == pageID {
			if int(m.entries[i].FreeSlots) < m.recordsPerPage {
				m.entries[i].FreeSlots++
			}
			return m.Save()
		}
	}
	return Inconsistentf("free space map has no entry for page %d", pageID)
}

// FreeSlots returns the tracked free-slot count for pageID, used by tests
// checking invariant 3 (map agrees with validity bytes).
func (m *FreeSpaceMap) FreeSlots(pageID uint32) (uint16, bool) {
	for _, e := range m.entries {
		if e.PageID == pageID {
			return e.FreeSlots, true
		}
	}
	return 0, false
}
