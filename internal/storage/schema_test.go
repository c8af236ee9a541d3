package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSchema() Schema {
	return Schema{
		TableName: "t",
		Fields: []Field{
			{Name: "id", Type: Int4, Length: 4},
			{Name: "name", Type: String, Length: 16},
		},
		UniqueKeys: []string{"id"},
	}
}

func TestSchema_SlotWidth(t *testing.T) {
	t.Parallel()

	s := testSchema()
	assert.Equal(t, 1+4+16, s.SlotWidth())
}

func TestSchema_RecordsPerPage(t *testing.T) {
	t.Parallel()

	s := testSchema()
	assert.Equal(t, 4096/21, s.RecordsPerPage(4096))
}

func TestSchema_FieldIndexAndOffset(t *testing.T) {
	t.Parallel()

	s := testSchema()
	idx, ok := s.FieldIndex("name")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 4, s.FieldOffset(idx))

	_, ok = s.FieldIndex("bogus")
	assert.False(t, ok)
}

func TestSchema_IsUnique(t *testing.T) {
	t.Parallel()

	s := testSchema()
	assert.True(t, s.IsUnique("id"))
	assert.False(t, s.IsUnique("name"))
}
