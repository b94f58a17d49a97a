package apply

import (
	"errors"
	"fmt"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"github.com/edgeflare/pgmirror/pkg/schema"
)

// errUnchangedToast is returned for an update that omits a TOASTed value the old
// row cannot supply.
var errUnchangedToast = errors.New("unchanged toasted value without a full old row")

func version(ev cdc.Event) uint64 {
	if ev.LSN > 0 {
		return uint64(ev.LSN)
	}
	return uint64(ev.CommitLSN)
}

// mutations converts a row event into destination mutations for table t.
//
// An update that changes the identity becomes a delete of the old key followed by
// an insert. Other updates replace the row by key.
func mutations(t *schema.Table, ev cdc.Event) ([]destination.Mutation, error) {
	full := identity.Full(t, t.Identity)
	v := version(ev)

	switch ev.Kind {
	case cdc.KindInsert:
		if ev.New.HasUnchanged() {
			return nil, fmt.Errorf("insert: %w", errUnchangedToast)
		}
		if _, err := identity.Extract(ev.New, t.Identity, full); err != nil {
			return nil, err
		}
		return []destination.Mutation{{Op: destination.OpInsert, Row: ev.New, Version: v}}, nil

	case cdc.KindUpdate:
		row, err := fillUnchanged(t, ev.New, ev.Old)
		if err != nil {
			return nil, err
		}
		newKey, err := identity.Extract(row, t.Identity, full)
		if err != nil {
			return nil, err
		}
		if ev.Old != nil {
			oldVals, err := identity.Values(ev.Old, t.Identity)
			if err != nil {
				return nil, err
			}
			oldKey, err := identity.Encode(oldVals, full)
			if err != nil {
				return nil, err
			}
			if oldKey != newKey {
				return []destination.Mutation{
					{Op: destination.OpDelete, Key: oldVals, Version: v},
					{Op: destination.OpInsert, Row: row, Version: v},
				}, nil
			}
		}
		return []destination.Mutation{{Op: destination.OpUpsert, Row: row, Version: v}}, nil

	case cdc.KindDelete:
		if ev.Old == nil {
			return nil, fmt.Errorf("delete without old row: %w", identity.ErrInvalidKey)
		}
		vals, err := identity.Values(ev.Old, t.Identity)
		if err != nil {
			return nil, err
		}
		if _, err := identity.Encode(vals, full); err != nil {
			return nil, err
		}
		return []destination.Mutation{{Op: destination.OpDelete, Key: vals, Version: v}}, nil

	case cdc.KindTruncate:
		return []destination.Mutation{{Op: destination.OpTruncate, Version: v}}, nil
	}
	return nil, fmt.Errorf("unexpected %s event", ev.Kind)
}

// fillUnchanged replaces unchanged TOAST markers in row with the old values. Only
// a full old row (REPLICA IDENTITY FULL) carries them.
func fillUnchanged(t *schema.Table, row, old cdc.Row) (cdc.Row, error) {
	if !row.HasUnchanged() {
		return row, nil
	}
	if old == nil || t.ReplicaIdentity != schema.ReplicaIdentityFull {
		return nil, errUnchangedToast
	}
	out := row.Clone()
	for i, v := range out {
		if !cdc.IsUnchanged(v) {
			continue
		}
		if i >= len(old) || cdc.IsUnchanged(old[i]) {
			return nil, fmt.Errorf("column %s: %w", t.Columns[i].Name, errUnchangedToast)
		}
		out[i] = old[i]
	}
	return out, nil
}
