package cdc

// Value is a single column value. It is one of:
//
//   - nil for SQL NULL
//   - a scalar (int16, int32, int64, float32, float64, bool, string, []byte,
//     time.Time, decimal.Decimal, uuid.UUID, json.RawMessage, pgvector.Vector)
//   - Array for array columns, nested once per dimension
//   - Unchanged for a TOASTed value the source did not resend
type Value = any

// Row is a sequence of values aligned to the columns of a relation.
type Row []Value

// Array keeps array nesting intact: a two-dimensional array is an Array of Arrays.
// Elements may be nil.
type Array []Value

type unchangedToast struct{}

func (unchangedToast) String() string { return "<unchanged toast>" }

// Unchanged marks a column whose value was not included in the change because it
// is stored out of line and was not modified.
var Unchanged Value = unchangedToast{}

// IsUnchanged reports whether v is the Unchanged marker.
func IsUnchanged(v Value) bool {
	_, ok := v.(unchangedToast)
	return ok
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// HasUnchanged reports whether any value in r is Unchanged.
func (r Row) HasUnchanged() bool {
	for _, v := range r {
		if IsUnchanged(v) {
			return true
		}
	}
	return false
}

// Depth returns the nesting depth of a. Empty arrays have depth 1.
func (a Array) Depth() int {
	for _, v := range a {
		if inner, ok := v.(Array); ok {
			return 1 + inner.Depth()
		}
	}
	return 1
}
