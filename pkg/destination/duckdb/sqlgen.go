package duckdb

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/typemap"
)

const (
	keyColumn     = "_key"
	versionColumn = "_version"
	deletedColumn = "_deleted"
	// DuckDB decimals are limited to 38 digits; wider numerics are kept as text.
	maxDecimalPrecision = 38
)

func identifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// column is a destination column with the SQL used to bind and read it.
type column struct {
	Identifier string
	DDL        string
	// Placeholder binds a parameter, casting text-encoded values where needed.
	Placeholder string
	// Select reads the column back, as text for the casted kinds.
	Select string
	Type   typemap.Type
}

type tableModel struct {
	Identifier string
	Columns    []column
}

func columnDDL(t typemap.Type) (ddl string, text bool) {
	if t.ArrayDepth > 0 || t.Kind == typemap.KindVector {
		return "JSON", true
	}
	switch t.Kind {
	case typemap.KindInt16:
		return "SMALLINT", false
	case typemap.KindInt32:
		return "INTEGER", false
	case typemap.KindInt64:
		return "BIGINT", false
	case typemap.KindFloat32:
		return "FLOAT", false
	case typemap.KindFloat64:
		return "DOUBLE", false
	case typemap.KindBool:
		return "BOOLEAN", false
	case typemap.KindBytes:
		return "BLOB", false
	case typemap.KindDate:
		return "DATE", false
	case typemap.KindDateTime:
		return "TIMESTAMPTZ", false
	case typemap.KindDecimal:
		if t.Precision > maxDecimalPrecision {
			return "VARCHAR", true
		}
		return fmt.Sprintf("DECIMAL(%d, %d)", t.Precision, t.Scale), true
	case typemap.KindUUID:
		return "UUID", true
	case typemap.KindJSON:
		return "JSON", true
	}
	return "VARCHAR", false
}

func model(t destination.Table) (*tableModel, error) {
	m := &tableModel{Identifier: identifier(t.Name)}
	for _, col := range t.Source.Columns {
		ct, err := typemap.ColumnType(col)
		if err != nil {
			return nil, err
		}
		ddl, text := columnDDL(ct)
		c := column{
			Identifier:  identifier(col.Name),
			DDL:         ddl,
			Placeholder: "?",
			Select:      identifier(col.Name),
			Type:        ct,
		}
		if text {
			c.Placeholder = fmt.Sprintf("CAST(CAST(? AS VARCHAR) AS %s)", ddl)
			c.Select = fmt.Sprintf("CAST(%s AS VARCHAR)", c.Identifier)
		}
		m.Columns = append(m.Columns, c)
	}
	return m, nil
}

var (
	tplAll = template.Must(template.New("root").Parse(`
{{ define "createTable" }}
CREATE TABLE IF NOT EXISTS {{ $.Identifier }} (
	_key VARCHAR PRIMARY KEY,
{{- range $col := $.Columns }}
	{{ $col.Identifier }} {{ $col.DDL }},
{{- end }}
	_version UBIGINT NOT NULL,
	_deleted BOOLEAN NOT NULL DEFAULT false
);
{{ end }}

{{ define "upsert" }}
INSERT INTO {{ $.Identifier }} (_key
{{- range $col := $.Columns }}, {{ $col.Identifier }}{{ end }}, _version, _deleted)
VALUES (?
{{- range $col := $.Columns }}, {{ $col.Placeholder }}{{ end }}, ?, ?)
ON CONFLICT (_key) DO UPDATE SET
{{- range $col := $.Columns }}
	{{ $col.Identifier }} = excluded.{{ $col.Identifier }},
{{- end }}
	_version = excluded._version,
	_deleted = excluded._deleted
WHERE excluded._version >= {{ $.Identifier }}._version;
{{ end }}

{{ define "select" }}
SELECT
{{- range $ind, $col := $.Columns }}
	{{- if $ind }},{{ end }} {{ $col.Select }}
{{- end }}
FROM {{ $.Identifier }}
WHERE NOT _deleted
{{ end }}
`))
	tplCreateTable = tplAll.Lookup("createTable")
	tplUpsert      = tplAll.Lookup("upsert")
	tplSelect      = tplAll.Lookup("select")
)

func render(tpl *template.Template, m *tableModel) (string, error) {
	var b strings.Builder
	if err := tpl.Execute(&b, m); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
