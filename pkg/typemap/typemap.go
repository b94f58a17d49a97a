// Package typemap converts source column values into the row representation used by
// destinations, and source column types into destination column types.
//
// The same text encoding is produced by the replication stream and by snapshot scans,
// so both paths decode through Mapper.Decode and yield identical values.
package typemap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedType is returned for source types without a destination mapping.
	ErrUnsupportedType = errors.New("unsupported type")
	// ErrUnsupportedValue is returned for values of a supported type that cannot be
	// represented exactly, such as numeric NaN or infinite dates.
	ErrUnsupportedValue = errors.New("unsupported value")
)

type extension uint8

const (
	extVector extension = iota + 1
)

// Mapper decodes text-format values by type OID. Decode has no observable state:
// the same input always yields the same output. Extension types (enums, pgvector)
// become decodable once a table using them is registered.
type Mapper struct {
	mu         sync.Mutex
	types      *pgtype.Map
	extensions map[uint32]extension
}

func New() *Mapper {
	return &Mapper{
		types:      pgtype.NewMap(),
		extensions: make(map[uint32]extension),
	}
}

// RegisterTable makes the enum and vector types used by t decodable.
func (m *Mapper) RegisterTable(t *schema.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, col := range t.Columns {
		switch {
		case col.TypeName == "vector" && !col.IsArray():
			m.extensions[col.TypeOID] = extVector
		case col.TypeKind == 'e' && col.IsArray():
			elem := &pgtype.Type{Name: col.TypeName[1:], OID: col.ElemOID, Codec: &pgtype.EnumCodec{}}
			m.types.RegisterType(elem)
			m.types.RegisterType(&pgtype.Type{Name: col.TypeName, OID: col.TypeOID, Codec: &pgtype.ArrayCodec{ElementType: elem}})
		case col.TypeKind == 'e':
			m.types.RegisterType(&pgtype.Type{Name: col.TypeName, OID: col.TypeOID, Codec: &pgtype.EnumCodec{}})
		}
	}
}

// Decode maps one text-encoded value. A nil data slice is SQL NULL.
func (m *Mapper) Decode(oid uint32, data []byte) (cdc.Value, error) {
	if data == nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.extensions[oid] == extVector {
		var v pgvector.Vector
		if err := v.Scan(data); err != nil {
			return nil, fmt.Errorf("decode vector: %w", err)
		}
		return v, nil
	}

	switch oid {
	case pgtype.JSONOID, pgtype.JSONBOID:
		return json.RawMessage(bytes.Clone(data)), nil
	}

	dt, ok := m.types.TypeForOID(oid)
	if !ok {
		return nil, fmt.Errorf("oid %d: %w", oid, ErrUnsupportedType)
	}

	if codec, ok := dt.Codec.(*pgtype.ArrayCodec); ok {
		elemOID := codec.ElementType.OID
		if !m.scalarSupported(elemOID) {
			return nil, fmt.Errorf("array of oid %d: %w", elemOID, ErrUnsupportedType)
		}
		var arr pgtype.Array[any]
		if err := m.types.PlanScan(oid, pgtype.TextFormatCode, &arr).Scan(data, &arr); err != nil {
			return nil, fmt.Errorf("decode %s: %w", dt.Name, err)
		}
		return nest(arr.Dims, arr.Elements, elemOID)
	}

	if !m.scalarSupported(oid) {
		return nil, fmt.Errorf("%s: %w", dt.Name, ErrUnsupportedType)
	}
	v, err := dt.Codec.DecodeValue(m.types, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", dt.Name, err)
	}
	return normalize(oid, v)
}

func (m *Mapper) scalarSupported(oid uint32) bool {
	if _, ok := supported[oid]; ok {
		return true
	}
	dt, ok := m.types.TypeForOID(oid)
	if !ok {
		return false
	}
	_, isEnum := dt.Codec.(*pgtype.EnumCodec)
	return isEnum
}

var supported = map[uint32]struct{}{
	pgtype.BoolOID:        {},
	pgtype.Int2OID:        {},
	pgtype.Int4OID:        {},
	pgtype.Int8OID:        {},
	pgtype.Float4OID:      {},
	pgtype.Float8OID:      {},
	pgtype.NumericOID:     {},
	pgtype.TextOID:        {},
	pgtype.VarcharOID:     {},
	pgtype.BPCharOID:      {},
	pgtype.NameOID:        {},
	pgtype.ByteaOID:       {},
	pgtype.DateOID:        {},
	pgtype.TimestampOID:   {},
	pgtype.TimestamptzOID: {},
	pgtype.UUIDOID:        {},
	pgtype.JSONOID:        {},
	pgtype.JSONBOID:       {},
}

// nest rebuilds the nesting of a flattened, dimensioned array.
func nest(dims []pgtype.ArrayDimension, elems []any, elemOID uint32) (cdc.Array, error) {
	if len(dims) == 0 {
		return cdc.Array{}, nil
	}
	n := int(dims[0].Length)
	out := make(cdc.Array, n)
	if len(dims) == 1 {
		for i := range n {
			v, err := normalize(elemOID, elems[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	stride := 1
	for _, d := range dims[1:] {
		stride *= int(d.Length)
	}
	for i := range n {
		inner, err := nest(dims[1:], elems[i*stride:(i+1)*stride], elemOID)
		if err != nil {
			return nil, err
		}
		out[i] = inner
	}
	return out, nil
}

// normalize converts pgtype decoded values into their cdc.Value form.
func normalize(oid uint32, v any) (cdc.Value, error) {
	if v == nil {
		return nil, nil
	}
	if oid == pgtype.JSONOID || oid == pgtype.JSONBOID {
		if raw, ok := v.([]byte); ok {
			return json.RawMessage(bytes.Clone(raw)), nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}

	switch v := v.(type) {
	case pgtype.Numeric:
		return numericToDecimal(v)
	case time.Time:
		return v.UTC(), nil
	case [16]byte:
		return uuid.UUID(v), nil
	case []byte:
		return bytes.Clone(v), nil
	case string:
		switch oid {
		case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
			return nil, fmt.Errorf("%s: %w", v, ErrUnsupportedValue)
		}
		return v, nil
	case pgtype.InfinityModifier:
		return nil, fmt.Errorf("%s: %w", v, ErrUnsupportedValue)
	case int16, int32, int64, float32, float64, bool:
		return v, nil
	}
	return nil, fmt.Errorf("value %T for oid %d: %w", v, oid, ErrUnsupportedType)
}

func numericToDecimal(n pgtype.Numeric) (cdc.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("numeric %v: %w", n, ErrUnsupportedValue)
	}
	if n.Int == nil {
		return decimal.New(0, n.Exp), nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}
