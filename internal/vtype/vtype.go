// Package vtype implements Malcolm's structural type descriptors: the
// polymorphic "VType" capability of validating a raw value into its
// canonical in-memory representation and rendering a JSON-able schema
// for introspection.
//
// Rather than a class hierarchy, each variant (scalar, enum, table,
// device-reference) is a small struct implementing the single VType
// interface; array-ness is composed onto scalars as a flag rather than
// mixed in via a second base type.
package vtype

import (
	"reflect"

	"github.com/dls-controls/malcolm/internal/merr"
)

// VType validates a raw value into its canonical representation and
// describes itself as a structural schema for introspection.
type VType interface {
	// Validate returns the canonical form of value, or a *merr.Error
	// of kind merr.TypeMismatch if value cannot be represented without
	// losing information.
	Validate(value any) (any, error)
	// Schema renders the structural descriptor sent to clients:
	// {name, version, ...}.
	Schema() map[string]any
	// Equal reports structural equality: same kind, same labels where
	// applicable.
	Equal(other VType) bool
}

// mismatch builds the TypeMismatch error used by every variant.
func mismatch(expected string, value any) error {
	return merr.New(merr.TypeMismatch, "value %#v is not a valid %s", value, expected)
}

// Idempotent validates that a second call to Validate on the result of
// a first call returns an equal value. It is a test helper exposed
// here because every variant must satisfy this round-trip property:
// VType.Validate(Validate(x)) == Validate(x).
func Idempotent(t VType, x any) (bool, error) {
	once, err := t.Validate(x)
	if err != nil {
		return false, err
	}
	twice, err := t.Validate(once)
	if err != nil {
		return false, err
	}
	return equalValues(once, twice), nil
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
