package pglogrepl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// SlotInfo describes a replication slot as returned on creation.
type SlotInfo struct {
	Name            string
	ConsistentPoint cdc.LSN
	// SnapshotName is the exported snapshot. It is only importable while the
	// connection that created the slot stays idle.
	SnapshotName string
	Created      bool
}

// CreateSlot creates a logical slot on a replication connection and exports a
// snapshot consistent with it. An existing slot of the same name is reused and
// reported with Created false and no snapshot.
func CreateSlot(ctx context.Context, conn *pgconn.PgConn, name string, temporary bool) (SlotInfo, error) {
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin, pglogrepl.CreateReplicationSlotOptions{
		Temporary:      temporary,
		SnapshotAction: "EXPORT_SNAPSHOT",
		Mode:           pglogrepl.LogicalReplication,
	})
	if err != nil {
		if sqlState(err) == codeDuplicateObject {
			return SlotInfo{Name: name}, nil
		}
		return SlotInfo{}, fmt.Errorf("create replication slot %s: %w", name, err)
	}

	lsn, err := pglogrepl.ParseLSN(res.ConsistentPoint)
	if err != nil {
		return SlotInfo{}, fmt.Errorf("slot %s consistent point %q: %w", name, res.ConsistentPoint, err)
	}
	return SlotInfo{
		Name:            res.SlotName,
		ConsistentPoint: lsn,
		SnapshotName:    res.SnapshotName,
		Created:         true,
	}, nil
}

// DropSlot drops the slot. A missing slot is not an error; an active one is.
func DropSlot(ctx context.Context, conn *pgconn.PgConn, name string) error {
	err := pglogrepl.DropReplicationSlot(ctx, conn, name, pglogrepl.DropReplicationSlotOptions{Wait: true})
	switch {
	case err == nil, sqlState(err) == codeUndefinedObject:
		return nil
	case sqlState(err) == codeObjectInUse:
		return fmt.Errorf("drop replication slot %s: slot is in use: %w", name, err)
	}
	return fmt.Errorf("drop replication slot %s: %w", name, err)
}

// SlotPosition returns the confirmed flush position of the slot. ErrSlotLost is
// returned when the slot does not exist.
func SlotPosition(ctx context.Context, conn Querier, name string) (cdc.LSN, error) {
	var confirmed *string
	err := conn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1", name).Scan(&confirmed)
	if err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("slot %s: %w", name, ErrSlotLost)
		}
		return 0, fmt.Errorf("read slot %s: %w", name, err)
	}
	if confirmed == nil {
		return 0, nil
	}
	return pglogrepl.ParseLSN(*confirmed)
}

// temporarySlotName returns a unique name for a short-lived snapshot slot.
func temporarySlotName(slot string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name := slot + "_tmp_" + suffix
	if len(name) > 63 {
		name = "pgmirror_tmp_" + suffix
	}
	return name
}

// startReplication starts streaming from the position after confirmed; zero lets
// the server resume from the slot's confirmed position.
func startReplication(ctx context.Context, conn *pgconn.PgConn, slot, publication string, from cdc.LSN) error {
	err := pglogrepl.StartReplication(ctx, conn, slot, from, pglogrepl.StartReplicationOptions{
		Mode: pglogrepl.LogicalReplication,
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", publication),
		},
	})
	if err != nil {
		if sqlState(err) == codeUndefinedObject {
			return fmt.Errorf("start replication: slot %s: %w", slot, errors.Join(ErrSlotLost, err))
		}
		return fmt.Errorf("start replication: %w", err)
	}
	return nil
}
