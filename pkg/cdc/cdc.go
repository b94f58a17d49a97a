// Package cdc defines the change events produced by the logical replication decoder
// and the row values they carry.
package cdc

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

// LSN is a position in the source write-ahead log.
type LSN = pglogrepl.LSN

// ParseLSN parses the textual X/Y form of an LSN.
func ParseLSN(s string) (LSN, error) {
	return pglogrepl.ParseLSN(s)
}

// Kind tags the variant carried by an Event.
type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindRelation
	KindInsert
	KindUpdate
	KindDelete
	KindTruncate
	KindCommit
	// KindKeepalive carries the server WAL end observed between transactions.
	KindKeepalive
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindRelation:
		return "relation"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindTruncate:
		return "truncate"
	case KindCommit:
		return "commit"
	case KindKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TableID identifies a source table.
type TableID struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// ParseTableID splits "schema.table"; a bare name is placed in the public schema.
func ParseTableID(s string) TableID {
	if i := strings.IndexByte(s, '.'); i > 0 {
		return TableID{Schema: s[:i], Name: s[i+1:]}
	}
	return TableID{Schema: "public", Name: s}
}

func (id TableID) String() string {
	return id.Schema + "." + id.Name
}

// Sanitize returns the quoted, schema-qualified identifier.
func (id TableID) Sanitize() string {
	return pgx.Identifier{id.Schema, id.Name}.Sanitize()
}

// Relation is the column metadata announced by the source for a relation id.
// Rows decoded after it are aligned to Columns.
type Relation struct {
	ID              uint32
	Table           TableID
	ReplicaIdentity byte
	Columns         []RelationColumn
}

// RelationColumn describes one column of a Relation.
type RelationColumn struct {
	Name    string
	TypeOID uint32
	TypeMod int32
	// Key is set for columns that are part of the replica identity.
	Key bool
}

// KeyColumns returns the names of the columns flagged as replica identity.
func (r *Relation) KeyColumns() []string {
	var keys []string
	for _, c := range r.Columns {
		if c.Key {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// Event is a single decoded change. Fields are populated according to Kind:
//
//   - Begin: Xid, CommitLSN (final LSN of the transaction), CommitTime
//   - Relation: Relation
//   - Insert: Relation, New
//   - Update: Relation, Old (nil unless the identity changed or identity is full), New
//   - Delete: Relation, Old
//   - Truncate: Relations
//   - Commit: CommitLSN, EndLSN, CommitTime
//   - Keepalive: LSN
//
// LSN is the WAL position of the message itself. Err is set when a row could not be
// mapped; the event is still delivered so the owning table can be suspended.
type Event struct {
	Kind       Kind
	Xid        uint32
	LSN        LSN
	CommitLSN  LSN
	EndLSN     LSN
	CommitTime time.Time
	Relation   *Relation
	Relations  []*Relation
	Old        Row
	New        Row
	Err        error
}

// Table returns the table the event belongs to, if any.
func (e Event) Table() (TableID, bool) {
	if e.Relation == nil {
		return TableID{}, false
	}
	return e.Relation.Table, true
}
