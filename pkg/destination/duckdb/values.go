package duckdb

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

// bind converts a row value into the parameter bound for col.
func bind(col column, v cdc.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	if cdc.IsUnchanged(v) {
		return nil, fmt.Errorf("unchanged toast value cannot be written")
	}

	switch v := v.(type) {
	case cdc.Array:
		data, err := json.Marshal(v)
		return string(data), err
	case pgvector.Vector:
		data, err := json.Marshal(v.Slice())
		return string(data), err
	case decimal.Decimal:
		return v.String(), nil
	case uuid.UUID:
		return v.String(), nil
	case json.RawMessage:
		return string(v), nil
	}
	return v, nil
}

// scanned converts a value read with the select template back into a row value.
func scanned(col column, v any) (cdc.Value, error) {
	if v == nil {
		return nil, nil
	}
	ct := col.Type

	s, isText := v.(string)
	switch {
	case ct.Kind == typemap.KindVector && isText:
		var f []float32
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return nil, err
		}
		return pgvector.NewVector(f), nil
	case ct.ArrayDepth > 0 && isText:
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		return fromJSON(ct, raw)
	case ct.Kind == typemap.KindDecimal && isText:
		return decimal.NewFromString(s)
	case ct.Kind == typemap.KindUUID && isText:
		return uuid.Parse(s)
	case ct.Kind == typemap.KindJSON && isText:
		return json.RawMessage(s), nil
	}

	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	return v, nil
}

// fromJSON rebuilds an array column from its JSON text.
func fromJSON(ct typemap.Type, raw any) (cdc.Value, error) {
	if raw == nil {
		return nil, nil
	}
	if ct.ArrayDepth > 0 {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", raw)
		}
		inner := ct
		inner.ArrayDepth--
		out := make(cdc.Array, len(list))
		for i, e := range list {
			v, err := fromJSON(inner, e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	switch v := raw.(type) {
	case json.Number:
		switch ct.Kind {
		case typemap.KindInt16, typemap.KindInt32, typemap.KindInt64:
			n, err := v.Int64()
			if err != nil {
				return nil, err
			}
			switch ct.Kind {
			case typemap.KindInt16:
				return int16(n), nil
			case typemap.KindInt32:
				return int32(n), nil
			}
			return n, nil
		case typemap.KindFloat32, typemap.KindFloat64:
			f, err := v.Float64()
			if err != nil {
				return nil, err
			}
			if ct.Kind == typemap.KindFloat32 {
				return float32(f), nil
			}
			return f, nil
		case typemap.KindDecimal:
			return decimal.NewFromString(v.String())
		}
	case string:
		switch ct.Kind {
		case typemap.KindDecimal:
			return decimal.NewFromString(v)
		case typemap.KindUUID:
			return uuid.Parse(v)
		case typemap.KindBytes:
			return base64.StdEncoding.DecodeString(v)
		case typemap.KindDate, typemap.KindDateTime:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		case typemap.KindString:
			return v, nil
		}
	case bool:
		return v, nil
	}

	if ct.Kind == typemap.KindJSON {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}
	return nil, fmt.Errorf("unexpected %T in %s array", raw, ct.Kind)
}
