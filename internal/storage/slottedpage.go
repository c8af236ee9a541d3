package storage

import "bytes"

// Row is a positional tuple of NUL-trimmed field values, decoded from one
// live slot.
type Row struct {
	Values []string
}

// Get returns the value of a named field, per the owning Schema.
func (r Row) Get(schema Schema, name string) (string, bool) {
	idx, ok := schema.FieldIndex(name)
	if !ok || idx >= len(r.Values) {
		return "", false
	}
	return r.Values[idx], true
}

// findFreeSlot returns the index of the first slot whose validity byte is
// 0, or -1 if the page (as sized by slotWidth) has none.
func findFreeSlot(buf []byte, slotWidth int) int {
	for i := 0; i+slotWidth <= len(buf); i += slotWidth {
		if buf[i] == 0 {
			return i / slotWidth
		}
	}
	return -1
}

// writeSlot marks slot i live and copies each field's bytes into its
// fixed-width payload region, truncating to field.Length and zero-padding
// short values, per spec §4.3.
func writeSlot(buf []byte, i int, values []string, schema Schema) {
	width := schema.SlotWidth()
	base := i * width
	buf[base] = 1
	payload := buf[base+1 : base+width]
	for idx := range payload {
		payload[idx] = 0
	}
	for idx, field := range schema.Fields {
		off := schema.FieldOffset(idx)
		dst := payload[off : off+field.Length]
		src := values[idx]
		if len(src) > field.Length {
			src = src[:field.Length]
		}
		copy(dst, src)
	}
}

// readSlot decodes slot i, returning (Row, true) if live, or (Row{}, false)
// if the validity byte is 0.
func readSlot(buf []byte, i int, schema Schema) (Row, bool) {
	width := schema.SlotWidth()
	base := i * width
	if base+width > len(buf) || buf[base] == 0 {
		return Row{}, false
	}
	payload := buf[base+1 : base+width]
	values := make([]string, len(schema.Fields))
	for idx, field := range schema.Fields {
		off := schema.FieldOffset(idx)
		raw := payload[off : off+field.Length]
		if nul := bytes.IndexByte(raw, 0); nul >= 0 {
			raw = raw[:nul]
		}
		values[idx] = string(raw)
	}
	return Row{Values: values}, true
}

// writeFieldValue overwrites one field's payload bytes in slot i in place,
// truncating to field.Length and zero-padding short values, the same rule
// writeSlot uses for a fresh insert.
func writeFieldValue(buf []byte, i, fieldIdx int, value string, schema Schema) {
	width := schema.SlotWidth()
	base := i * width
	off := schema.FieldOffset(fieldIdx)
	field := schema.Fields[fieldIdx]
	dst := buf[base+1+off : base+1+off+field.Length]
	for idx := range dst {
		dst[idx] = 0
	}
	if len(value) > field.Length {
		value = value[:field.Length]
	}
	copy(dst, value)
}

// markDeleted sets slot i's validity byte to 0 without touching the
// payload, so the bytes remain inspectable (and are meaningless) until a
// later insert overwrites them.
func markDeleted(buf []byte, i int, schema Schema) {
	base := i * schema.SlotWidth()
	buf[base] = 0
}

// isSlotValid reports whether slot i's validity byte is 1.
func isSlotValid(buf []byte, i int, schema Schema) bool {
	base := i * schema.SlotWidth()
	if base >= len(buf) {
		return false
	}
	return buf[base] == 1
}
