package vtype

import (
	"fmt"
	"math"
	"reflect"
)

// Kind enumerates the scalar element kinds a ScalarType can hold. It
// folds the reference implementation's VDouble/VFloat/VLong/VInt/
// VShort/VByte/VBool/VString class hierarchy into one tag.
type Kind int

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindString
)

var kindNames = map[Kind]string{
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindBool:    "bool",
	KindString:  "string",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ScalarType is a numeric, boolean, or string descriptor, optionally
// validating whole arrays of its element kind instead of a single
// value. This is the composition the design notes call for in place
// of multiply-inheriting IsArray and a scalar class: one struct, one
// flag, validate dispatches on the pair.
type ScalarType struct {
	Elem  Kind
	Array bool
}

// Scalar constructs a non-array descriptor of the given kind.
func Scalar(k Kind) ScalarType { return ScalarType{Elem: k} }

// ScalarArray constructs an array descriptor whose elements are of
// the given kind.
func ScalarArray(k Kind) ScalarType { return ScalarType{Elem: k, Array: true} }

// Schema implements VType.
func (t ScalarType) Schema() map[string]any {
	name := t.Elem.String()
	if t.Array {
		name += "array"
	}
	return map[string]any{"name": name, "version": "2"}
}

// Equal implements VType.
func (t ScalarType) Equal(other VType) bool {
	o, ok := other.(ScalarType)
	return ok && o.Elem == t.Elem && o.Array == t.Array
}

// Validate implements VType.
func (t ScalarType) Validate(value any) (any, error) {
	if t.Array {
		return t.validateArray(value)
	}
	return t.validateScalar(value)
}

func (t ScalarType) validateScalar(value any) (any, error) {
	switch t.Elem {
	case KindBool:
		return validateBool(value)
	case KindString:
		return validateString(value), nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return validateInt(t.Elem, value)
	case KindFloat32, KindFloat64:
		return validateFloat(t.Elem, value)
	default:
		return nil, mismatch(t.Elem.String(), value)
	}
}

func validateBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	default:
		return nil, mismatch("bool", value)
	}
}

func validateString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// asInt64 widens any Go integer or integral float into an int64,
// reporting whether the conversion was exact.
func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		if float32(int64(v)) != v {
			return 0, false
		}
		return int64(v), true
	case float64:
		if float64(int64(v)) != v {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func validateInt(kind Kind, value any) (any, error) {
	wide, ok := asInt64(value)
	if !ok {
		return nil, mismatch(kind.String(), value)
	}
	switch kind {
	case KindInt8:
		cast := int8(wide)
		if int64(cast) != wide {
			return nil, mismatch(kind.String(), value)
		}
		return cast, nil
	case KindInt16:
		cast := int16(wide)
		if int64(cast) != wide {
			return nil, mismatch(kind.String(), value)
		}
		return cast, nil
	case KindInt32:
		cast := int32(wide)
		if int64(cast) != wide {
			return nil, mismatch(kind.String(), value)
		}
		return cast, nil
	case KindInt64:
		return wide, nil
	default:
		return nil, mismatch(kind.String(), value)
	}
}

func validateFloat(kind Kind, value any) (any, error) {
	var wide float64
	switch v := value.(type) {
	case float32:
		wide = float64(v)
	case float64:
		wide = v
	default:
		if iv, ok := asInt64(value); ok {
			wide = float64(iv)
		} else {
			return nil, mismatch(kind.String(), value)
		}
	}
	switch kind {
	case KindFloat32:
		cast := float32(wide)
		if float64(cast) != wide {
			return nil, mismatch(kind.String(), value)
		}
		return cast, nil
	case KindFloat64:
		return wide, nil
	default:
		return nil, mismatch(kind.String(), value)
	}
}

// validateArray accepts either an already-typed slice of the element
// kind's canonical Go type, or any generic slice convertible
// element-wise, and returns a freshly built slice of the canonical
// element type.
func (t ScalarType) validateArray(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, mismatch(t.Schema()["name"].(string), value)
	}

	elemType := t.elemGoType()
	out := reflect.MakeSlice(reflect.SliceOf(elemType), rv.Len(), rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		cast, err := t.validateScalar(elem)
		if err != nil {
			return nil, err
		}
		out.Index(i).Set(reflect.ValueOf(cast))
	}
	return out.Interface(), nil
}

func (t ScalarType) elemGoType() reflect.Type {
	switch t.Elem {
	case KindInt8:
		return reflect.TypeOf(int8(0))
	case KindInt16:
		return reflect.TypeOf(int16(0))
	case KindInt32:
		return reflect.TypeOf(int32(0))
	case KindInt64:
		return reflect.TypeOf(int64(0))
	case KindFloat32:
		return reflect.TypeOf(float32(0))
	case KindFloat64:
		return reflect.TypeOf(float64(0))
	case KindBool:
		return reflect.TypeOf(false)
	case KindString:
		return reflect.TypeOf("")
	default:
		return reflect.TypeOf(any(nil))
	}
}
