package vtype

import "fmt"

// EnumValue is the canonical form an EnumType.Validate returns: the
// resolved label carrying its index, mirroring the reference
// implementation's EnumString (a str subclass that also compares
// equal to its integer index).
type EnumValue struct {
	Index int
	Label string
}

// EnumType validates either an integer index or a label string,
// returning the canonical EnumValue either way.
type EnumType struct {
	Labels []string
}

// NewEnumType builds an EnumType from an ordered label list.
func NewEnumType(labels ...string) *EnumType {
	cp := make([]string, len(labels))
	copy(cp, labels)
	return &EnumType{Labels: cp}
}

// Schema implements VType.
func (e *EnumType) Schema() map[string]any {
	return map[string]any{"name": "enum", "version": "2", "labels": e.Labels}
}

// Equal implements VType: same ordered label sequence.
func (e *EnumType) Equal(other VType) bool {
	o, ok := other.(*EnumType)
	if !ok || len(o.Labels) != len(e.Labels) {
		return false
	}
	for i, l := range e.Labels {
		if o.Labels[i] != l {
			return false
		}
	}
	return true
}

// Validate implements VType.
func (e *EnumType) Validate(value any) (any, error) {
	switch v := value.(type) {
	case EnumValue:
		if v.Index >= 0 && v.Index < len(e.Labels) && e.Labels[v.Index] == v.Label {
			return v, nil
		}
		return nil, mismatch("enum", value)
	case string:
		for i, label := range e.Labels {
			if label == v {
				return EnumValue{Index: i, Label: label}, nil
			}
		}
		return nil, mismatch("enum", value)
	default:
		idx, ok := asInt64(value)
		if !ok || idx < 0 || int(idx) >= len(e.Labels) {
			return nil, fmt.Errorf("%w", mismatch("enum", value))
		}
		return EnumValue{Index: int(idx), Label: e.Labels[idx]}, nil
	}
}
