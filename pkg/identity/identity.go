// Package identity resolves which columns address a replicated row and encodes
// identity values into comparable keys.
package identity

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoIdentity means no column set can address rows of the table.
	ErrNoIdentity = errors.New("no usable replica identity")
	// ErrInvalidKey means a row lacks a usable value for an identity column.
	ErrInvalidKey = errors.New("invalid identity value")
)

// Key is the encoded identity of a row. Equal identity values encode to equal keys.
type Key string

// Resolve picks the identity columns of t: the replica identity index, then the
// primary key, then every column. Tables with REPLICA IDENTITY NOTHING and no primary
// key cannot be addressed.
func Resolve(t *schema.Table) ([]int, error) {
	var names []string
	switch {
	case t.ReplicaIdentity == schema.ReplicaIdentityIndex && len(t.IdentityIndex) > 0:
		names = t.IdentityIndex
	case len(t.PrimaryKey) > 0:
		names = t.PrimaryKey
	case t.ReplicaIdentity == schema.ReplicaIdentityNothing:
		return nil, fmt.Errorf("%s: %w", t.ID, ErrNoIdentity)
	default:
		names = t.ColumnNames()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s has no columns: %w", t.ID, ErrNoIdentity)
	}

	idx := make([]int, len(names))
	for i, name := range names {
		pos := t.ColumnIndex(name)
		if pos < 0 {
			return nil, fmt.Errorf("%s: identity column %q not replicated: %w", t.ID, name, ErrNoIdentity)
		}
		idx[i] = pos
	}
	return idx, nil
}

// Full reports whether idx covers every column of t.
func Full(t *schema.Table, idx []int) bool {
	return len(idx) == len(t.Columns) && len(t.PrimaryKey) == 0 &&
		!(t.ReplicaIdentity == schema.ReplicaIdentityIndex && len(t.IdentityIndex) > 0)
}

// Values returns the identity values of row.
func Values(row cdc.Row, idx []int) (cdc.Row, error) {
	out := make(cdc.Row, len(idx))
	for i, pos := range idx {
		if pos >= len(row) {
			return nil, fmt.Errorf("column %d missing from row of %d: %w", pos, len(row), ErrInvalidKey)
		}
		if cdc.IsUnchanged(row[pos]) {
			return nil, fmt.Errorf("column %d is an unchanged toast value: %w", pos, ErrInvalidKey)
		}
		out[i] = row[pos]
	}
	return out, nil
}

// Extract encodes the identity values of row. NULLs are allowed only when the
// identity spans the full row.
func Extract(row cdc.Row, idx []int, allowNull bool) (Key, error) {
	vals, err := Values(row, idx)
	if err != nil {
		return "", err
	}
	return Encode(vals, allowNull)
}

// Encode encodes an already extracted identity.
func Encode(vals cdc.Row, allowNull bool) (Key, error) {
	var b strings.Builder
	for i, v := range vals {
		if v == nil && !allowNull {
			return "", fmt.Errorf("identity value %d is null: %w", i, ErrInvalidKey)
		}
		if err := encode(&b, v); err != nil {
			return "", err
		}
	}
	return Key(b.String()), nil
}

func encode(b *strings.Builder, v cdc.Value) error {
	tagged := func(tag byte, payload []byte) {
		b.WriteByte(tag)
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(payload))))
		b.Write(payload)
	}
	u64 := func(x uint64) []byte {
		return binary.BigEndian.AppendUint64(nil, x)
	}

	switch v := v.(type) {
	case nil:
		tagged('n', nil)
	case bool:
		if v {
			tagged('b', []byte{1})
		} else {
			tagged('b', []byte{0})
		}
	case int16:
		tagged('i', u64(uint64(int64(v))))
	case int32:
		tagged('i', u64(uint64(int64(v))))
	case int64:
		tagged('i', u64(uint64(v)))
	case float32:
		tagged('f', u64(math.Float64bits(float64(v))))
	case float64:
		tagged('f', u64(math.Float64bits(v)))
	case string:
		tagged('s', []byte(v))
	case []byte:
		tagged('x', v)
	case decimal.Decimal:
		// normalized so 1.50 and 1.5 address the same row, as they do in the source
		tagged('d', []byte(v.String()))
	case time.Time:
		// seconds and nanoseconds separately: UnixNano overflows outside 1678..2262
		tagged('t', binary.BigEndian.AppendUint32(u64(uint64(v.Unix())), uint32(v.Nanosecond())))
	case uuid.UUID:
		tagged('u', v[:])
	case json.RawMessage:
		tagged('j', v)
	case pgvector.Vector:
		data, err := json.Marshal(v.Slice())
		if err != nil {
			return err
		}
		tagged('v', data)
	case cdc.Array:
		var inner strings.Builder
		for _, e := range v {
			if err := encode(&inner, e); err != nil {
				return err
			}
		}
		tagged('a', []byte(inner.String()))
	default:
		return fmt.Errorf("unsupported identity value type %T: %w", v, ErrInvalidKey)
	}
	return nil
}

// Widening reports whether a relation announcing newKey still carries every
// column of the identity in use, so existing keys remain extractable.
func Widening(current, newKey []string) bool {
	if len(current) == 0 || len(newKey) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(newKey))
	for _, k := range newKey {
		set[k] = struct{}{}
	}
	for _, c := range current {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
