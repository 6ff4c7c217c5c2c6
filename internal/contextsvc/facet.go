package contextsvc

import "encoding/json"

// Facet is an optional part of an assembled context: either present with a
// value, or absent with a reason.
type Facet[T any] struct {
	value   T
	present bool
	reason  string
}

// Present wraps v as an available facet.
func Present[T any](v T) Facet[T] {
	return Facet[T]{value: v, present: true}
}

// Absent records why a facet could not be populated.
func Absent[T any](reason string) Facet[T] {
	return Facet[T]{reason: reason}
}

// Get returns the value and whether it is present.
func (f Facet[T]) Get() (T, bool) {
	return f.value, f.present
}

// OK reports whether the facet is present.
func (f Facet[T]) OK() bool { return f.present }

// Reason is empty for present facets.
func (f Facet[T]) Reason() string { return f.reason }

// MarshalJSON encodes absent facets as null.
func (f Facet[T]) MarshalJSON() ([]byte, error) {
	if !f.present {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
