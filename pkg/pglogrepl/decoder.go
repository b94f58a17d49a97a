package pglogrepl

import (
	"fmt"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/jackc/pglogrepl"
)

// ValueDecoder maps one text-encoded column value. *typemap.Mapper implements it.
type ValueDecoder interface {
	Decode(oid uint32, data []byte) (cdc.Value, error)
}

// Decoder turns pgoutput messages into change events. It keeps the relation
// metadata announced on the stream and checks transaction framing. A Decoder is
// used by a single goroutine.
type Decoder struct {
	values    ValueDecoder
	relations map[uint32]*cdc.Relation

	inTx  bool
	begin cdc.Event
}

func NewDecoder(values ValueDecoder) *Decoder {
	return &Decoder{values: values, relations: make(map[uint32]*cdc.Relation)}
}

// Reset forgets relations and transaction state, as required when a new stream
// starts.
func (d *Decoder) Reset() {
	d.relations = make(map[uint32]*cdc.Relation)
	d.inTx = false
	d.begin = cdc.Event{}
}

// InTx reports whether a transaction is open.
func (d *Decoder) InTx() bool { return d.inTx }

func protocolErr(lsn cdc.LSN, err error, format string, args ...any) error {
	return &ProtocolError{LSN: lsn, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Decode parses one message received at walStart. Values that cannot be mapped do
// not fail decoding; the event carries the error in Err.
func (d *Decoder) Decode(walStart cdc.LSN, walData []byte) ([]cdc.Event, error) {
	if len(walData) == 0 {
		return nil, protocolErr(walStart, nil, "empty message")
	}
	switch pglogrepl.MessageType(walData[0]) {
	case pglogrepl.MessageTypeBegin, pglogrepl.MessageTypeCommit, pglogrepl.MessageTypeOrigin,
		pglogrepl.MessageTypeRelation, pglogrepl.MessageTypeType, pglogrepl.MessageTypeInsert,
		pglogrepl.MessageTypeUpdate, pglogrepl.MessageTypeDelete, pglogrepl.MessageTypeTruncate,
		pglogrepl.MessageTypeMessage:
	case pglogrepl.MessageTypeStreamStart, pglogrepl.MessageTypeStreamStop,
		pglogrepl.MessageTypeStreamCommit, pglogrepl.MessageTypeStreamAbort:
		return nil, protocolErr(walStart, nil, "streamed transactions are not supported")
	default:
		return nil, protocolErr(walStart, nil, "unknown message type %q", walData[0])
	}

	msg, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, protocolErr(walStart, err, "parse message")
	}

	switch msg := msg.(type) {
	case *pglogrepl.BeginMessage:
		if d.inTx {
			return nil, protocolErr(walStart, nil, "begin of xid %d inside xid %d", msg.Xid, d.begin.Xid)
		}
		d.inTx = true
		d.begin = cdc.Event{
			Kind:       cdc.KindBegin,
			Xid:        msg.Xid,
			LSN:        walStart,
			CommitLSN:  msg.FinalLSN,
			CommitTime: msg.CommitTime,
		}
		return []cdc.Event{d.begin}, nil

	case *pglogrepl.CommitMessage:
		if !d.inTx {
			return nil, protocolErr(walStart, nil, "commit %s without begin", msg.CommitLSN)
		}
		if msg.CommitLSN != d.begin.CommitLSN {
			return nil, protocolErr(walStart, nil, "commit %s does not match begin final lsn %s", msg.CommitLSN, d.begin.CommitLSN)
		}
		d.inTx = false
		return []cdc.Event{{
			Kind:       cdc.KindCommit,
			Xid:        d.begin.Xid,
			LSN:        walStart,
			CommitLSN:  msg.CommitLSN,
			EndLSN:     msg.TransactionEndLSN,
			CommitTime: msg.CommitTime,
		}}, nil

	case *pglogrepl.RelationMessage:
		rel := &cdc.Relation{
			ID:              msg.RelationID,
			Table:           cdc.TableID{Schema: msg.Namespace, Name: msg.RelationName},
			ReplicaIdentity: msg.ReplicaIdentity,
			Columns:         make([]cdc.RelationColumn, len(msg.Columns)),
		}
		for i, col := range msg.Columns {
			rel.Columns[i] = cdc.RelationColumn{
				Name:    col.Name,
				TypeOID: col.DataType,
				TypeMod: col.TypeModifier,
				Key:     col.Flags&1 != 0,
			}
		}
		d.relations[msg.RelationID] = rel
		return []cdc.Event{d.event(cdc.KindRelation, walStart, rel)}, nil

	case *pglogrepl.InsertMessage:
		rel, err := d.relation(walStart, msg.RelationID)
		if err != nil {
			return nil, err
		}
		ev := d.event(cdc.KindInsert, walStart, rel)
		if ev.New, err = d.tuple(walStart, rel, msg.Tuple); err != nil {
			return nil, err
		}
		return []cdc.Event{d.withValueErr(ev)}, nil

	case *pglogrepl.UpdateMessage:
		rel, err := d.relation(walStart, msg.RelationID)
		if err != nil {
			return nil, err
		}
		ev := d.event(cdc.KindUpdate, walStart, rel)
		if msg.OldTuple != nil {
			if ev.Old, err = d.tuple(walStart, rel, msg.OldTuple); err != nil {
				return nil, err
			}
		}
		if ev.New, err = d.tuple(walStart, rel, msg.NewTuple); err != nil {
			return nil, err
		}
		return []cdc.Event{d.withValueErr(ev)}, nil

	case *pglogrepl.DeleteMessage:
		rel, err := d.relation(walStart, msg.RelationID)
		if err != nil {
			return nil, err
		}
		ev := d.event(cdc.KindDelete, walStart, rel)
		if ev.Old, err = d.tuple(walStart, rel, msg.OldTuple); err != nil {
			return nil, err
		}
		return []cdc.Event{d.withValueErr(ev)}, nil

	case *pglogrepl.TruncateMessage:
		if !d.inTx {
			return nil, protocolErr(walStart, nil, "truncate outside a transaction")
		}
		ev := d.event(cdc.KindTruncate, walStart, nil)
		for _, id := range msg.RelationIDs {
			rel, err := d.relation(walStart, id)
			if err != nil {
				return nil, err
			}
			ev.Relations = append(ev.Relations, rel)
		}
		return []cdc.Event{ev}, nil

	case *pglogrepl.OriginMessage, *pglogrepl.TypeMessage, *pglogrepl.LogicalDecodingMessage:
		return nil, nil
	}
	return nil, protocolErr(walStart, nil, "unexpected %s message", msg.Type())
}

func (d *Decoder) event(kind cdc.Kind, lsn cdc.LSN, rel *cdc.Relation) cdc.Event {
	return cdc.Event{
		Kind:       kind,
		Xid:        d.begin.Xid,
		LSN:        lsn,
		CommitLSN:  d.begin.CommitLSN,
		CommitTime: d.begin.CommitTime,
		Relation:   rel,
	}
}

func (d *Decoder) relation(lsn cdc.LSN, id uint32) (*cdc.Relation, error) {
	if !d.inTx {
		return nil, protocolErr(lsn, nil, "row change outside a transaction")
	}
	rel, ok := d.relations[id]
	if !ok {
		return nil, protocolErr(lsn, nil, "unknown relation %d", id)
	}
	return rel, nil
}

// valueErr collects the first mapping error of a tuple.
type valueErr struct{ err error }

func (d *Decoder) tuple(lsn cdc.LSN, rel *cdc.Relation, t *pglogrepl.TupleData) (cdc.Row, error) {
	if t == nil {
		return nil, protocolErr(lsn, nil, "missing tuple for %s", rel.Table)
	}
	if len(t.Columns) != len(rel.Columns) {
		return nil, protocolErr(lsn, nil, "tuple of %s has %d columns, relation has %d", rel.Table, len(t.Columns), len(rel.Columns))
	}

	row := make(cdc.Row, len(t.Columns))
	for i, col := range t.Columns {
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row[i] = nil
		case pglogrepl.TupleDataTypeToast:
			row[i] = cdc.Unchanged
		case pglogrepl.TupleDataTypeText:
			v, err := d.values.Decode(rel.Columns[i].TypeOID, col.Data)
			if err != nil {
				row[i] = valueErr{fmt.Errorf("%s.%s: %w", rel.Table, rel.Columns[i].Name, err)}
				continue
			}
			row[i] = v
		default:
			return nil, protocolErr(lsn, nil, "unexpected tuple data type %q", col.DataType)
		}
	}
	return row, nil
}

// withValueErr moves a mapping error out of the rows into ev.Err.
func (d *Decoder) withValueErr(ev cdc.Event) cdc.Event {
	for _, row := range []cdc.Row{ev.Old, ev.New} {
		for i, v := range row {
			if ve, ok := v.(valueErr); ok {
				if ev.Err == nil {
					ev.Err = ve.err
				}
				row[i] = nil
			}
		}
	}
	return ev
}
