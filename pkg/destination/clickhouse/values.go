package clickhouse

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

// toClickHouse converts a row value into the Go type clickhouse-go binds for ct.
func toClickHouse(ct typemap.Type, v cdc.Value) (any, error) {
	if cdc.IsUnchanged(v) {
		return nil, fmt.Errorf("unchanged toast value cannot be written")
	}

	if ct.Kind == typemap.KindVector {
		switch v := v.(type) {
		case nil:
			return []float32{}, nil
		case pgvector.Vector:
			return v.Slice(), nil
		}
		return nil, fmt.Errorf("unexpected %T for vector column", v)
	}

	if ct.ArrayDepth > 0 {
		inner := ct
		inner.ArrayDepth--
		inner.Nullable = true
		switch v := v.(type) {
		case nil:
			return []any{}, nil
		case cdc.Array:
			out := make([]any, len(v))
			for i, e := range v {
				if e == nil && inner.ArrayDepth > 0 {
					out[i] = []any{}
					continue
				}
				conv, err := toClickHouse(inner, e)
				if err != nil {
					return nil, err
				}
				out[i] = conv
			}
			return out, nil
		}
		return nil, fmt.Errorf("unexpected %T for array column", v)
	}

	switch v := v.(type) {
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	return v, nil
}

// zeroValue fills non-key columns of delete rows.
func zeroValue(ct typemap.Type) any {
	switch {
	case ct.Kind == typemap.KindVector:
		return []float32{}
	case ct.ArrayDepth > 0:
		return []any{}
	case ct.Nullable:
		return nil
	}
	switch ct.Kind {
	case typemap.KindInt16:
		return int16(0)
	case typemap.KindInt32:
		return int32(0)
	case typemap.KindInt64:
		return int64(0)
	case typemap.KindFloat32:
		return float32(0)
	case typemap.KindFloat64:
		return float64(0)
	case typemap.KindBool:
		return false
	case typemap.KindDate, typemap.KindDateTime:
		return time.Unix(0, 0).UTC()
	case typemap.KindDecimal:
		return decimal.Zero
	case typemap.KindUUID:
		return uuid.Nil
	}
	return ""
}

// fromClickHouse converts a scanned value back into its row representation.
func fromClickHouse(ct typemap.Type, v reflect.Value) cdc.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if ct.Kind == typemap.KindVector {
		if f, ok := v.Interface().([]float32); ok {
			return pgvector.NewVector(f)
		}
		return v.Interface()
	}

	if ct.ArrayDepth > 0 && v.Kind() == reflect.Slice {
		inner := ct
		inner.ArrayDepth--
		out := make(cdc.Array, v.Len())
		for i := range v.Len() {
			out[i] = fromClickHouse(inner, v.Index(i))
		}
		return out
	}

	val := v.Interface()
	switch ct.Kind {
	case typemap.KindJSON:
		if s, ok := val.(string); ok {
			return json.RawMessage(s)
		}
	case typemap.KindBytes:
		if s, ok := val.(string); ok {
			return []byte(s)
		}
	case typemap.KindDate, typemap.KindDateTime:
		if t, ok := val.(time.Time); ok {
			return t.UTC()
		}
	}
	return val
}
