package typemap

import (
	"fmt"

	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/jackc/pgx/v5/pgtype"
)

// Kind is a destination-neutral column type.
type Kind uint8

const (
	KindInt16 Kind = iota + 1
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindDate
	KindDateTime
	KindDecimal
	KindUUID
	KindJSON
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindDecimal:
		return "decimal"
	case KindUUID:
		return "uuid"
	case KindJSON:
		return "json"
	case KindVector:
		return "vector"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Unconstrained numeric columns are stored with this precision and scale, the
// widest Decimal the destination supports.
const (
	DefaultDecimalPrecision = 76
	DefaultDecimalScale     = 38
)

// Type is the destination type of a column.
type Type struct {
	Kind      Kind
	Precision int
	Scale     int
	Nullable  bool
	// ArrayDepth is the number of array dimensions; 0 for scalars.
	ArrayDepth int
}

var kinds = map[uint32]Kind{
	pgtype.Int2OID:        KindInt16,
	pgtype.Int4OID:        KindInt32,
	pgtype.Int8OID:        KindInt64,
	pgtype.Float4OID:      KindFloat32,
	pgtype.Float8OID:      KindFloat64,
	pgtype.BoolOID:        KindBool,
	pgtype.TextOID:        KindString,
	pgtype.VarcharOID:     KindString,
	pgtype.BPCharOID:      KindString,
	pgtype.NameOID:        KindString,
	pgtype.ByteaOID:       KindBytes,
	pgtype.DateOID:        KindDate,
	pgtype.TimestampOID:   KindDateTime,
	pgtype.TimestamptzOID: KindDateTime,
	pgtype.NumericOID:     KindDecimal,
	pgtype.UUIDOID:        KindUUID,
	pgtype.JSONOID:        KindJSON,
	pgtype.JSONBOID:       KindJSON,
}

// ColumnType maps a source column to its destination type.
func ColumnType(col schema.Column) (Type, error) {
	t := Type{Nullable: !col.NotNull}

	oid := col.TypeOID
	if col.IsArray() {
		oid = col.ElemOID
		t.ArrayDepth = max(col.Dims, 1)
		// array elements may always be null
		t.Nullable = true
	}

	switch {
	case col.TypeName == "vector" && !col.IsArray():
		t.Kind = KindVector
		return t, nil
	case col.TypeKind == 'e':
		t.Kind = KindString
		return t, nil
	}

	kind, ok := kinds[oid]
	if !ok {
		return Type{}, fmt.Errorf("column %s (%s): %w", col.Name, col.TypeName, ErrUnsupportedType)
	}
	t.Kind = kind

	if kind == KindDecimal {
		t.Precision, t.Scale = decimalModifier(col.TypeMod)
	}
	return t, nil
}

// decimalModifier unpacks numeric(p, s) from atttypmod.
func decimalModifier(typmod int32) (precision, scale int) {
	if typmod < 4 {
		return DefaultDecimalPrecision, DefaultDecimalScale
	}
	mod := typmod - 4
	return int((mod >> 16) & 0xffff), int(mod & 0xffff)
}

// CheckTable returns the first column of t without a destination type.
func CheckTable(t *schema.Table) error {
	for _, col := range t.Columns {
		if _, err := ColumnType(col); err != nil {
			return fmt.Errorf("%s: %w", t.ID, err)
		}
	}
	return nil
}
