package schema

import (
	"testing"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oidInt4    = 23
	oidText    = 25
	oidNumeric = 1700
)

func testTable() *Table {
	return &Table{
		ID:  cdc.TableID{Schema: "public", Name: "t"},
		OID: 16384,
		Columns: []Column{
			{Name: "k", TypeOID: oidInt4, TypeName: "int4", TypeMod: -1, NotNull: true},
			{Name: "v", TypeOID: oidNumeric, TypeName: "numeric", TypeMod: 655369},
			{Name: "s", TypeOID: oidText, TypeName: "text", TypeMod: -1},
		},
		ReplicaIdentity: ReplicaIdentityDefault,
		PrimaryKey:      []string{"k"},
		Identity:        []int{0},
	}
}

func relationOf(t *Table) *cdc.Relation {
	rel := &cdc.Relation{ID: t.OID, Table: t.ID, ReplicaIdentity: byte(t.ReplicaIdentity)}
	key := t.ReplicaKey()
	for _, c := range t.Columns {
		rel.Columns = append(rel.Columns, cdc.RelationColumn{
			Name:    c.Name,
			TypeOID: c.TypeOID,
			TypeMod: c.TypeMod,
			Key:     contains(key, c.Name),
		})
	}
	return rel
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func TestDetectDrift(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(r *cdc.Relation)
		wantDrift    bool
		identityOnly bool
	}{
		{name: "unchanged", mutate: func(r *cdc.Relation) {}},
		{
			name:      "dropped column",
			mutate:    func(r *cdc.Relation) { r.Columns = r.Columns[:2] },
			wantDrift: true,
		},
		{
			name: "added column",
			mutate: func(r *cdc.Relation) {
				r.Columns = append(r.Columns, cdc.RelationColumn{Name: "extra", TypeOID: oidInt4, TypeMod: -1})
			},
			wantDrift: true,
		},
		{
			name:      "retyped column",
			mutate:    func(r *cdc.Relation) { r.Columns[1].TypeOID = oidText },
			wantDrift: true,
		},
		{
			name:      "changed precision",
			mutate:    func(r *cdc.Relation) { r.Columns[1].TypeMod = 1310724 },
			wantDrift: true,
		},
		{
			name: "reordered columns",
			mutate: func(r *cdc.Relation) {
				r.Columns[1], r.Columns[2] = r.Columns[2], r.Columns[1]
			},
			wantDrift: true,
		},
		{
			name: "identity set to full",
			mutate: func(r *cdc.Relation) {
				r.ReplicaIdentity = byte(ReplicaIdentityFull)
				for i := range r.Columns {
					r.Columns[i].Key = true
				}
			},
			wantDrift:    true,
			identityOnly: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := testTable()
			rel := relationOf(stored)
			tt.mutate(rel)

			d := DetectDrift(stored, rel)
			if !tt.wantDrift {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.identityOnly, d.IdentityOnly)
			assert.Equal(t, stored.ID, d.Table)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestReplicaKey(t *testing.T) {
	tbl := testTable()
	assert.Equal(t, []string{"k"}, tbl.ReplicaKey())

	tbl.ReplicaIdentity = ReplicaIdentityFull
	assert.Equal(t, []string{"k", "v", "s"}, tbl.ReplicaKey())

	tbl.ReplicaIdentity = ReplicaIdentityIndex
	tbl.IdentityIndex = []string{"s"}
	assert.Equal(t, []string{"s"}, tbl.ReplicaKey())

	tbl.ReplicaIdentity = ReplicaIdentityNothing
	assert.Empty(t, tbl.ReplicaKey())
}

func TestFingerprint(t *testing.T) {
	a := testTable()
	b := a.Clone()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Columns[2].TypeOID = oidInt4
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := a.Clone()
	c.Identity = []int{0, 2}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	// clone is deep
	c.Columns[0].Name = "changed"
	assert.Equal(t, "k", a.Columns[0].Name)
}
