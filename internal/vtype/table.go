package vtype

import (
	"reflect"

	"github.com/dls-controls/malcolm/internal/merr"
)

// ColumnSpec names one column of a TableType and the array-capable
// element type its data must validate against.
type ColumnSpec struct {
	Name    string
	Element VType
}

// TableType validates a map of column name to raw column data against
// a predeclared set of named, typed columns. Every column's data must
// validate against its own element type and every column must have
// the same length, mirroring VTable.validate's column tuple
// (name, typ, array_value) with datalengths collapsed to one value.
type TableType struct {
	Columns []ColumnSpec
}

// NewTableType builds a TableType from its column specs.
func NewTableType(columns ...ColumnSpec) *TableType {
	cp := make([]ColumnSpec, len(columns))
	copy(cp, columns)
	return &TableType{Columns: cp}
}

// TableValue is the canonical form Validate returns: the same column
// specs, each holding its validated array data.
type TableValue struct {
	Columns []ColumnSpec
	Data    map[string]any
}

// Schema implements VType.
func (t *TableType) Schema() map[string]any {
	cols := make([]map[string]any, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = map[string]any{"name": c.Name, "type": c.Element.Schema()}
	}
	return map[string]any{"name": "table", "version": "2", "columns": cols}
}

// Equal implements VType.
func (t *TableType) Equal(other VType) bool {
	o, ok := other.(*TableType)
	if !ok || len(o.Columns) != len(t.Columns) {
		return false
	}
	for i, c := range t.Columns {
		if c.Name != o.Columns[i].Name || !c.Element.Equal(o.Columns[i].Element) {
			return false
		}
	}
	return true
}

// Validate implements VType. value must be a map[string]any keyed by
// column name holding each column's raw array data, or a TableValue
// returned by an earlier Validate, whose Data is validated again.
func (t *TableType) Validate(value any) (any, error) {
	if tv, ok := value.(TableValue); ok {
		value = tv.Data
	}
	raw, ok := value.(map[string]any)
	if !ok {
		return nil, mismatch("table", value)
	}

	data := make(map[string]any, len(t.Columns))
	length := -1
	for _, col := range t.Columns {
		colData, present := raw[col.Name]
		if !present {
			return nil, merr.New(merr.TypeMismatch, "table missing column %q", col.Name)
		}
		asArray, ok := asScalarArray(col.Element)
		if !ok {
			return nil, merr.New(merr.TypeMismatch, "column %q element type is not array-capable", col.Name)
		}
		cast, err := asArray.Validate(colData)
		if err != nil {
			return nil, merr.Wrap(merr.TypeMismatch, err, "column %q", col.Name)
		}
		n := sliceLen(cast)
		if length == -1 {
			length = n
		} else if n != length {
			return nil, merr.New(merr.TypeMismatch, "mismatching column lengths: %q has %d, expected %d", col.Name, n, length)
		}
		data[col.Name] = cast
	}

	return TableValue{Columns: t.Columns, Data: data}, nil
}

// asScalarArray coerces a column's element type into its array form
// so table validation always validates whole columns, not single
// scalars.
func asScalarArray(t VType) (VType, bool) {
	switch v := t.(type) {
	case ScalarType:
		return ScalarType{Elem: v.Elem, Array: true}, true
	case *EnumType:
		return nil, false
	default:
		return nil, false
	}
}

func sliceLen(v any) int {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return 0
	}
	return rv.Len()
}
