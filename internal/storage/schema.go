package storage

// FieldType is a fixed-length column type. Lengths are an
// implementation-defined but fixed-at-create-time choice, per spec §9's
// "Schema length field" open question.
type FieldType int

const (
	Int4 FieldType = iota + 1
	Int8
	String
)

// Field is one positional column of a Schema: a name, a type, and the
// fixed number of bytes it occupies in a slot's payload.
type Field struct {
	Name   string
	Type   FieldType
	Length int
}

// Schema is the positional tuple layout plus the unique-key declarations
// record_manager.cpp reads out of meta.txt's two lines.
type Schema struct {
	TableName  string
	Fields     []Field
	UniqueKeys []string
}

// SlotWidth is 1 (validity byte) + the sum of every field's byte length.
func (s Schema) SlotWidth() int {
	width := 1
	for _, f := range s.Fields {
		width += f.Length
	}
	return width
}

// RecordsPerPage is floor(pageSize / slotWidth), per spec §3's data page.
func (s Schema) RecordsPerPage(pageSize int) int {
	return pageSize / s.SlotWidth()
}

// FieldIndex returns the positional index of a field by name.
func (s Schema) FieldIndex(name string) (int, bool) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// IsUnique reports whether name is declared as a unique key.
func (s Schema) IsUnique(name string) bool {
	for _, k := range s.UniqueKeys {
		if k == name {
			return true
		}
	}
	return false
}

// FieldOffset returns the byte offset of field idx within a slot's
// payload, i.e. not counting the leading validity byte.
func (s Schema) FieldOffset(idx int) int {
	offset := 0
	for i := 0; i < idx; i++ {
		offset += s.Fields[i].Length
	}
	return offset
}
