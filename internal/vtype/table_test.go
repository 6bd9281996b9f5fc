package vtype

import "testing"

func TestTableValidate(t *testing.T) {
	tt := NewTableType(
		ColumnSpec{Name: "id", Element: Scalar(KindInt32)},
		ColumnSpec{Name: "name", Element: Scalar(KindString)},
	)

	v, err := tt.Validate(map[string]any{
		"id":   []int{1, 2, 3},
		"name": []any{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tv := v.(TableValue)
	ids := tv.Data["id"].([]int32)
	if len(ids) != 3 || ids[0] != 1 {
		t.Errorf("ids = %v", ids)
	}
}

func TestTableValidateMismatchedLengths(t *testing.T) {
	tt := NewTableType(
		ColumnSpec{Name: "a", Element: Scalar(KindInt32)},
		ColumnSpec{Name: "b", Element: Scalar(KindInt32)},
	)
	_, err := tt.Validate(map[string]any{
		"a": []int{1, 2, 3},
		"b": []int{1, 2},
	})
	if err == nil {
		t.Fatal("expected mismatched column length error")
	}
}

func TestTableValidateMissingColumn(t *testing.T) {
	tt := NewTableType(ColumnSpec{Name: "a", Element: Scalar(KindInt32)})
	_, err := tt.Validate(map[string]any{})
	if err == nil {
		t.Fatal("expected missing column error")
	}
}

func TestTableEqual(t *testing.T) {
	a := NewTableType(ColumnSpec{Name: "a", Element: Scalar(KindInt32)})
	b := NewTableType(ColumnSpec{Name: "a", Element: Scalar(KindInt32)})
	c := NewTableType(ColumnSpec{Name: "a", Element: Scalar(KindInt64)})
	if !a.Equal(b) {
		t.Error("expected equal table types")
	}
	if a.Equal(c) {
		t.Error("expected different element types to be unequal")
	}
}
