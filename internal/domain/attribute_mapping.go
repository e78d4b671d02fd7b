package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FieldFamily is the storage family of a generic attribute slot.
type FieldFamily string

const (
	FieldFamilyText      FieldFamily = "text"
	FieldFamilyInteger   FieldFamily = "integer"
	FieldFamilyBigint    FieldFamily = "bigint"
	FieldFamilyFloat     FieldFamily = "float"
	FieldFamilyJSONB     FieldFamily = "jsonb"
	FieldFamilyTimestamp FieldFamily = "timestamp"
	FieldFamilyBoolean   FieldFamily = "boolean"
)

// IsNumeric reports whether values in the family support arithmetic
// aggregation.
func (f FieldFamily) IsNumeric() bool {
	switch f {
	case FieldFamilyInteger, FieldFamilyBigint, FieldFamilyFloat:
		return true
	}
	return false
}

var slotPattern = regexp.MustCompile(`^([a-z]+)_attr([0-9]+)$`)

// ParseSlot splits a physical slot name like float_attr2 into its family and
// ordinal. ok is false when the name does not follow the slot grammar.
func ParseSlot(slot string) (family FieldFamily, ordinal int, ok bool) {
	match := slotPattern.FindStringSubmatch(slot)
	if match == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(match[2])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return FieldFamily(match[1]), n, true
}

// AttributeMapping maps physical slot names (family_attrN) of a shared
// storage table to the user-facing column names of one layer.
type AttributeMapping map[string]string

// ColumnFor returns the user-facing name mapped to the given slot.
func (m AttributeMapping) ColumnFor(slot string) (string, bool) {
	name, ok := m[slot]
	return name, ok
}

// SlotFor returns the physical slot holding the given user-facing column.
func (m AttributeMapping) SlotFor(column string) (string, bool) {
	for slot, name := range m {
		if name == column {
			return slot, true
		}
	}
	return "", false
}

// SlotFamily resolves the storage family of a slot that exists in the
// mapping.
func (m AttributeMapping) SlotFamily(slot string) (FieldFamily, error) {
	if _, ok := m[slot]; !ok {
		return "", fmt.Errorf("slot %s not mapped", slot)
	}
	family, _, ok := ParseSlot(slot)
	if !ok {
		return "", fmt.Errorf("slot %s does not follow the slot grammar", slot)
	}
	return family, nil
}

// NextFreeSlot probes family_attr1, family_attr2, ... until it finds a slot
// not yet used by the mapping.
func (m AttributeMapping) NextFreeSlot(family FieldFamily) string {
	for n := 1; ; n++ {
		slot := fmt.Sprintf("%s_attr%d", family, n)
		if _, used := m[slot]; !used {
			return slot
		}
	}
}

// Add assigns the next free slot of the family to the given column and
// returns the slot name.
func (m AttributeMapping) Add(family FieldFamily, column string) string {
	slot := m.NextFreeSlot(family)
	m[slot] = column
	return slot
}

// SortedSlots returns the slot names in a deterministic order so that
// generated SQL is stable. Slots sort by family, then ordinal.
func (m AttributeMapping) SortedSlots() []string {
	slots := make([]string, 0, len(m))
	for slot := range m {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		fi, ni, oki := ParseSlot(slots[i])
		fj, nj, okj := ParseSlot(slots[j])
		if !oki || !okj {
			return slots[i] < slots[j]
		}
		if fi != fj {
			return fi < fj
		}
		return ni < nj
	})
	return slots
}

// Clone returns an independent copy of the mapping.
func (m AttributeMapping) Clone() AttributeMapping {
	clone := make(AttributeMapping, len(m))
	for slot, name := range m {
		clone[slot] = name
	}
	return clone
}

// NormalizeColumnName lowercases a user-supplied name and strips characters
// that are unsafe for SQL generation.
func NormalizeColumnName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteRune('_')
		}
	}
	return b.String()
}
