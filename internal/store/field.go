package store

import "encoding/json"

// Field carries the three states of a PATCH-style update for one column:
// absent from the payload (leave unchanged), JSON null (clear), or a value.
// The zero Field is Unchanged.
type Field[T any] struct {
	Present bool
	Null    bool
	Value   T
}

// UnmarshalJSON is only invoked for keys present in the payload, which is
// what distinguishes Unchanged from SetNull.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Present = true
	if string(data) == "null" {
		f.Null = true
		return nil
	}
	return json.Unmarshal(data, &f.Value)
}

// MarshalJSON emits the value, or null when cleared. Absent fields cannot
// be represented by encoding/json; updates are inputs, not API responses.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.Null || !f.Present {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Unchanged reports whether the field was absent from the payload.
func (f Field[T]) Unchanged() bool {
	return !f.Present
}

// Ptr returns nil for SetNull and a pointer to the value for SetTo.
// Only meaningful when Present.
func (f Field[T]) Ptr() *T {
	if !f.Present || f.Null {
		return nil
	}
	v := f.Value
	return &v
}

// SetTo builds a set-to-value field (used by tests and internal callers).
func SetTo[T any](v T) Field[T] {
	return Field[T]{Present: true, Value: v}
}

// SetNull builds a clear-the-column field.
func SetNull[T any]() Field[T] {
	return Field[T]{Present: true, Null: true}
}
