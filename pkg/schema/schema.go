// Package schema describes replicated source tables: their columns and replica identity
// as read from the catalog, a stable fingerprint of that shape, and detection of drift
// between a stored descriptor and the relation metadata announced on the stream.
package schema

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/edgeflare/pgmirror/pkg/cdc"
)

// ReplicaIdentity mirrors pg_class.relreplident:
//   - Default (d): primary key columns
//   - Nothing (n): no old row data
//   - Full (f): all columns
//   - Index (i): columns of the index marked REPLICA IDENTITY USING INDEX
type ReplicaIdentity byte

const (
	ReplicaIdentityDefault ReplicaIdentity = 'd'
	ReplicaIdentityNothing ReplicaIdentity = 'n'
	ReplicaIdentityFull    ReplicaIdentity = 'f'
	ReplicaIdentityIndex   ReplicaIdentity = 'i'
)

func (r ReplicaIdentity) String() string {
	switch r {
	case ReplicaIdentityDefault:
		return "default"
	case ReplicaIdentityNothing:
		return "nothing"
	case ReplicaIdentityFull:
		return "full"
	case ReplicaIdentityIndex:
		return "index"
	}
	return "unknown"
}

// Table is the descriptor of a replicated table.
type Table struct {
	ID              cdc.TableID     `json:"id"`
	OID             uint32          `json:"oid"`
	Columns         []Column        `json:"columns"`
	ReplicaIdentity ReplicaIdentity `json:"replicaIdentity"`
	PrimaryKey      []string        `json:"primaryKey,omitempty"`
	IdentityIndex   []string        `json:"identityIndex,omitempty"`
	// Identity holds the resolved identity column positions.
	Identity []int `json:"identity"`
}

// Column is one replicated column.
type Column struct {
	Name     string `json:"name"`
	TypeOID  uint32 `json:"typeOid"`
	TypeName string `json:"typeName"`
	// TypeKind is pg_type.typtype of the column type (or its element type for arrays).
	TypeKind byte  `json:"typeKind"`
	TypeMod  int32 `json:"typeMod"`
	NotNull  bool  `json:"notNull"`
	// ElemOID is set for array columns; Dims is the declared (or observed) dimension count.
	ElemOID uint32 `json:"elemOid,omitempty"`
	Dims    int    `json:"dims,omitempty"`
}

// IsArray reports whether the column holds an array.
func (c Column) IsArray() bool { return c.ElemOID != 0 }

// ColumnIndex returns the position of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	return slices.IndexFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// ColumnNames returns the ordered column names.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IdentityColumns returns the names of the resolved identity columns.
func (t *Table) IdentityColumns() []string {
	names := make([]string, len(t.Identity))
	for i, idx := range t.Identity {
		names[i] = t.Columns[idx].Name
	}
	return names
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := *t
	out.Columns = slices.Clone(t.Columns)
	out.PrimaryKey = slices.Clone(t.PrimaryKey)
	out.IdentityIndex = slices.Clone(t.IdentityIndex)
	out.Identity = slices.Clone(t.Identity)
	return &out
}

// Fingerprint hashes the column list and identity definition of t. Two descriptors
// with equal fingerprints replicate identically.
func Fingerprint(t *Table) uint64 {
	h := xxhash.New()
	var buf [4]byte
	write := func(s string) {
		binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(s)
	}
	writeInt := func(v uint32) {
		binary.BigEndian.PutUint32(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	write(t.ID.String())
	writeInt(uint32(len(t.Columns)))
	for _, c := range t.Columns {
		write(c.Name)
		writeInt(c.TypeOID)
		writeInt(uint32(c.TypeMod))
	}
	_, _ = h.Write([]byte{byte(t.ReplicaIdentity)})
	writeInt(uint32(len(t.Identity)))
	for _, idx := range t.Identity {
		writeInt(uint32(idx))
	}
	return h.Sum64()
}
