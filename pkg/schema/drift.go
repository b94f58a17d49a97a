package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/cdc"
)

// Drift describes an incompatible difference between a stored descriptor and the
// relation announced by the source.
type Drift struct {
	Table  cdc.TableID
	Reason string
	// IdentityOnly is set when the columns are unchanged and only the replica
	// identity definition differs.
	IdentityOnly bool
	// Key lists the identity columns announced by the relation.
	Key []string
}

func (d *Drift) Error() string {
	return fmt.Sprintf("%s: %s", d.Table, d.Reason)
}

// ReplicaKey returns the columns the source flags as replica identity for t.
func (t *Table) ReplicaKey() []string {
	switch t.ReplicaIdentity {
	case ReplicaIdentityDefault:
		return t.PrimaryKey
	case ReplicaIdentityIndex:
		return t.IdentityIndex
	case ReplicaIdentityFull:
		return t.ColumnNames()
	}
	return nil
}

// DetectDrift compares the relation against the stored descriptor. Any column
// added, dropped, renamed, reordered or retyped is drift, as is any change of the
// replica identity definition. It returns nil when the two match.
func DetectDrift(stored *Table, rel *cdc.Relation) *Drift {
	if d := columnDrift(stored, rel); d != "" {
		return &Drift{Table: stored.ID, Reason: "schema changed: " + d}
	}

	key := rel.KeyColumns()
	if ReplicaIdentity(rel.ReplicaIdentity) != stored.ReplicaIdentity || !slices.Equal(key, stored.ReplicaKey()) {
		return &Drift{
			Table: stored.ID,
			Reason: fmt.Sprintf("replica identity changed: %s(%s) -> %s(%s)",
				stored.ReplicaIdentity, strings.Join(stored.ReplicaKey(), ","),
				ReplicaIdentity(rel.ReplicaIdentity), strings.Join(key, ",")),
			IdentityOnly: true,
			Key:          key,
		}
	}
	return nil
}

func columnDrift(stored *Table, rel *cdc.Relation) string {
	if len(stored.Columns) != len(rel.Columns) {
		return fmt.Sprintf("column count %d -> %d", len(stored.Columns), len(rel.Columns))
	}
	for i, c := range stored.Columns {
		r := rel.Columns[i]
		switch {
		case c.Name != r.Name:
			return fmt.Sprintf("column %d renamed %q -> %q", i+1, c.Name, r.Name)
		case c.TypeOID != r.TypeOID:
			return fmt.Sprintf("column %q type %d -> %d", c.Name, c.TypeOID, r.TypeOID)
		case c.TypeMod != r.TypeMod:
			return fmt.Sprintf("column %q type modifier %d -> %d", c.Name, c.TypeMod, r.TypeMod)
		}
	}
	return ""
}
