package vtype

import (
	"reflect"
	"testing"
)

func TestScalarIntValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     ScalarType
		in      any
		want    any
		wantErr bool
	}{
		{"int32 exact", Scalar(KindInt32), 42, int32(42), false},
		{"int32 from float exact", Scalar(KindInt32), float64(42), int32(42), false},
		{"int32 lossy float", Scalar(KindInt32), 42.5, nil, true},
		{"int8 overflow", Scalar(KindInt8), 200, nil, true},
		{"int64 passthrough", Scalar(KindInt64), int64(9999999999), int64(9999999999), false},
		{"bool ok", Scalar(KindBool), true, true, false},
		{"bool wrong type", Scalar(KindBool), "true", nil, true},
		{"float32 exact", Scalar(KindFloat32), float32(1.5), float32(1.5), false},
		{"string casts anything", Scalar(KindString), 42, "42", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.Validate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate(%v) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%v) unexpected error: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Validate(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestScalarArrayValidate(t *testing.T) {
	typ := ScalarArray(KindInt32)
	got, err := typ.Validate([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int32{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestScalarArrayAlreadyTyped(t *testing.T) {
	typ := ScalarArray(KindFloat64)
	in := []float64{1.1, 2.2}
	got, err := typ.Validate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("got %#v, want %#v", got, in)
	}
}

func TestScalarArrayRejectsLossyElement(t *testing.T) {
	typ := ScalarArray(KindInt8)
	if _, err := typ.Validate([]int{1, 999}); err == nil {
		t.Fatal("expected error for lossy element")
	}
}

func TestScalarEqual(t *testing.T) {
	a := Scalar(KindInt32)
	b := Scalar(KindInt32)
	c := ScalarArray(KindInt32)
	if !a.Equal(b) {
		t.Error("expected equal scalar types")
	}
	if a.Equal(c) {
		t.Error("expected scalar and array to differ")
	}
}

func TestIdempotent(t *testing.T) {
	typ := Scalar(KindInt32)
	ok, err := Idempotent(typ, 7)
	if err != nil || !ok {
		t.Fatalf("Idempotent(7) = %v, %v, want true, nil", ok, err)
	}
}
