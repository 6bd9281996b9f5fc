package vtype

import "testing"

func TestEnumValidateByLabelOrIndex(t *testing.T) {
	e := NewEnumType("red", "green", "blue")

	byLabel, err := e.Validate("green")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byLabel.(EnumValue) != (EnumValue{Index: 1, Label: "green"}) {
		t.Fatalf("got %+v", byLabel)
	}

	byIndex, err := e.Validate(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byIndex.(EnumValue) != (EnumValue{Index: 2, Label: "blue"}) {
		t.Fatalf("got %+v", byIndex)
	}
}

func TestEnumValidateOutOfRange(t *testing.T) {
	e := NewEnumType("red", "green")
	if _, err := e.Validate(5); err == nil {
		t.Fatal("expected error for out of range index")
	}
	if _, err := e.Validate("purple"); err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestEnumEqual(t *testing.T) {
	a := NewEnumType("red", "green")
	b := NewEnumType("red", "green")
	c := NewEnumType("red", "blue")
	if !a.Equal(b) {
		t.Error("expected equal enum types")
	}
	if a.Equal(c) {
		t.Error("expected different labels to be unequal")
	}
}

func TestEnumSchema(t *testing.T) {
	e := NewEnumType("a", "b")
	s := e.Schema()
	if s["name"] != "enum" {
		t.Errorf("schema name = %v", s["name"])
	}
	labels, ok := s["labels"].([]string)
	if !ok || len(labels) != 2 {
		t.Errorf("schema labels = %v", s["labels"])
	}
}
