package clickhouse

import (
	"fmt"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/typemap"
)

const (
	signColumn    = "_sign"
	versionColumn = "_version"
)

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// columnType renders the ClickHouse type of t. Arrays cannot be Nullable in
// ClickHouse, so a NULL array is stored as an empty one.
func columnType(t typemap.Type) (string, error) {
	var base string
	switch t.Kind {
	case typemap.KindInt16:
		base = "Int16"
	case typemap.KindInt32:
		base = "Int32"
	case typemap.KindInt64:
		base = "Int64"
	case typemap.KindFloat32:
		base = "Float32"
	case typemap.KindFloat64:
		base = "Float64"
	case typemap.KindBool:
		base = "Bool"
	case typemap.KindString, typemap.KindBytes, typemap.KindJSON:
		base = "String"
	case typemap.KindDate:
		base = "Date32"
	case typemap.KindDateTime:
		base = "DateTime64(6, 'UTC')"
	case typemap.KindDecimal:
		base = fmt.Sprintf("Decimal(%d, %d)", t.Precision, t.Scale)
	case typemap.KindUUID:
		base = "UUID"
	case typemap.KindVector:
		return "Array(Float32)", nil
	default:
		return "", fmt.Errorf("no ClickHouse type for %s", t.Kind)
	}

	if t.Nullable {
		base = "Nullable(" + base + ")"
	}
	for range t.ArrayDepth {
		base = "Array(" + base + ")"
	}
	return base, nil
}

// createTableSQL renders the ReplacingMergeTree definition of t. Rows are merged
// by identity keeping the greatest _version; deleted rows carry _sign = -1.
func createTableSQL(database string, t destination.Table) (string, error) {
	var (
		b           strings.Builder
		nullableKey bool
	)
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", quote(database), quote(t.Name))
	for _, col := range t.Source.Columns {
		ct, err := typemap.ColumnType(col)
		if err != nil {
			return "", err
		}
		chType, err := columnType(ct)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", col.Name, err)
		}
		fmt.Fprintf(&b, "\t%s %s,\n", quote(col.Name), chType)
	}
	fmt.Fprintf(&b, "\t%s Int8 DEFAULT 1,\n", signColumn)
	fmt.Fprintf(&b, "\t%s UInt64 DEFAULT 1\n", versionColumn)
	fmt.Fprintf(&b, ") ENGINE = ReplacingMergeTree(%s)\n", versionColumn)

	keys := make([]string, len(t.Source.Identity))
	for i, idx := range t.Source.Identity {
		col := t.Source.Columns[idx]
		ct, err := typemap.ColumnType(col)
		if err != nil {
			return "", err
		}
		switch {
		case ct.ArrayDepth > 0 || ct.Kind == typemap.KindVector:
			keys[i] = "toString(" + quote(col.Name) + ")"
		default:
			nullableKey = nullableKey || ct.Nullable
			keys[i] = quote(col.Name)
		}
	}
	fmt.Fprintf(&b, "ORDER BY (%s)", strings.Join(keys, ", "))
	if nullableKey {
		b.WriteString("\nSETTINGS allow_nullable_key = 1")
	}
	return b.String(), nil
}

func insertSQL(database string, t destination.Table) string {
	cols := make([]string, 0, len(t.Source.Columns)+2)
	for _, col := range t.Source.Columns {
		cols = append(cols, quote(col.Name))
	}
	cols = append(cols, signColumn, versionColumn)
	return fmt.Sprintf("INSERT INTO %s.%s (%s)", quote(database), quote(t.Name), strings.Join(cols, ", "))
}
