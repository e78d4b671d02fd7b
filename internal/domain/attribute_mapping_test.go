package domain

import "testing"

func TestSlotForAndColumnFor(t *testing.T) {
	mapping := AttributeMapping{
		"text_attr1":  "name",
		"float_attr1": "population",
	}
	slot, ok := mapping.SlotFor("population")
	if !ok || slot != "float_attr1" {
		t.Fatalf("expected float_attr1, got %s (ok=%v)", slot, ok)
	}
	column, ok := mapping.ColumnFor("text_attr1")
	if !ok || column != "name" {
		t.Fatalf("expected name, got %s (ok=%v)", column, ok)
	}
	if _, ok := mapping.SlotFor("missing"); ok {
		t.Fatal("unknown column should not resolve")
	}
}

func TestSlotFamily(t *testing.T) {
	mapping := AttributeMapping{"integer_attr3": "count"}
	family, err := mapping.SlotFamily("integer_attr3")
	if err != nil {
		t.Fatalf("slot family: %v", err)
	}
	if family != FieldFamilyInteger {
		t.Fatalf("expected integer family, got %s", family)
	}
	if !family.IsNumeric() {
		t.Fatal("integer family should be numeric")
	}
	if FieldFamilyText.IsNumeric() {
		t.Fatal("text family should not be numeric")
	}
	if _, err := mapping.SlotFamily("float_attr1"); err == nil {
		t.Fatal("unmapped slot should error")
	}
}

func TestNextFreeSlotProbesSuccessiveOrdinals(t *testing.T) {
	mapping := AttributeMapping{
		"float_attr1": "a",
		"float_attr2": "b",
		"text_attr1":  "c",
	}
	if slot := mapping.NextFreeSlot(FieldFamilyFloat); slot != "float_attr3" {
		t.Fatalf("expected float_attr3, got %s", slot)
	}
	if slot := mapping.NextFreeSlot(FieldFamilyBigint); slot != "bigint_attr1" {
		t.Fatalf("expected bigint_attr1, got %s", slot)
	}
	slot := mapping.Add(FieldFamilyFloat, "weight")
	if slot != "float_attr3" {
		t.Fatalf("expected add to claim float_attr3, got %s", slot)
	}
	if mapping["float_attr3"] != "weight" {
		t.Fatal("add did not record the column")
	}
}

func TestSortedSlotsIsDeterministic(t *testing.T) {
	mapping := AttributeMapping{
		"float_attr10": "j",
		"float_attr2":  "b",
		"text_attr1":   "a",
	}
	slots := mapping.SortedSlots()
	expected := []string{"float_attr2", "float_attr10", "text_attr1"}
	for i, want := range expected {
		if slots[i] != want {
			t.Fatalf("slot %d: expected %s, got %s (all: %v)", i, want, slots[i], slots)
		}
	}
}

func TestParseSlotRejectsMalformedNames(t *testing.T) {
	for _, bad := range []string{"geom", "float_attr0", "float_attr", "attr1", "Float_attr1"} {
		if _, _, ok := ParseSlot(bad); ok {
			t.Fatalf("%q should not parse as a slot", bad)
		}
	}
	family, ordinal, ok := ParseSlot("jsonb_attr7")
	if !ok || family != FieldFamilyJSONB || ordinal != 7 {
		t.Fatalf("jsonb_attr7 parsed as %s/%d (ok=%v)", family, ordinal, ok)
	}
}

func TestNormalizeColumnName(t *testing.T) {
	cases := map[string]string{
		"  Total Population ": "total_population",
		"GDP-per-capita":      "gdp_per_capita",
		"weird$chars!":        "weirdchars",
	}
	for input, want := range cases {
		if got := NormalizeColumnName(input); got != want {
			t.Fatalf("normalize %q: expected %q, got %q", input, want, got)
		}
	}
}
