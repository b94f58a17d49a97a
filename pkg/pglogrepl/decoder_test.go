package pglogrepl

import (
	"encoding/binary"
	"testing"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// msg builds pgoutput protocol version 1 messages.
type msg []byte

func newMsg(tag byte) msg { return msg{tag} }

func (m msg) u8(v byte) msg { return append(m, v) }

func (m msg) u16(v uint16) msg { return binary.BigEndian.AppendUint16(m, v) }

func (m msg) u32(v uint32) msg { return binary.BigEndian.AppendUint32(m, v) }

func (m msg) u64(v uint64) msg { return binary.BigEndian.AppendUint64(m, v) }

func (m msg) str(s string) msg { return append(append(m, s...), 0) }

// tuple appends tuple data; a nil value is NULL and "\x00u" marks an unchanged TOAST value.
func (m msg) tuple(values ...*string) msg {
	m = m.u16(uint16(len(values)))
	for _, v := range values {
		switch {
		case v == nil:
			m = m.u8('n')
		case *v == "\x00u":
			m = m.u8('u')
		default:
			m = m.u8('t').u32(uint32(len(*v)))
			m = append(m, *v...)
		}
	}
	return m
}

func sp(s string) *string { return &s }

var unchangedToast = sp("\x00u")

func beginMsg(finalLSN cdc.LSN, xid uint32) []byte {
	return newMsg('B').u64(uint64(finalLSN)).u64(0).u32(xid)
}

func commitMsg(commitLSN, endLSN cdc.LSN) []byte {
	return newMsg('C').u8(0).u64(uint64(commitLSN)).u64(uint64(endLSN)).u64(0)
}

// relationMsg announces public.<name>(id int4 key, v text).
func relationMsg(id uint32, name string) []byte {
	return newMsg('R').u32(id).str("public").str(name).u8('d').u16(2).
		u8(1).str("id").u32(pgtype.Int4OID).u32(0xFFFFFFFF).
		u8(0).str("v").u32(pgtype.TextOID).u32(0xFFFFFFFF)
}

func insertMsg(rel uint32, values ...*string) []byte {
	return newMsg('I').u32(rel).u8('N').tuple(values...)
}

func newDecoder() *Decoder { return NewDecoder(typemap.New()) }

func decode(t *testing.T, d *Decoder, lsn cdc.LSN, data []byte) []cdc.Event {
	t.Helper()
	events, err := d.Decode(lsn, data)
	require.NoError(t, err)
	return events
}

func TestDecodeTransaction(t *testing.T) {
	d := newDecoder()

	events := decode(t, d, 100, beginMsg(400, 7))
	require.Len(t, events, 1)
	assert.Equal(t, cdc.KindBegin, events[0].Kind)
	assert.Equal(t, uint32(7), events[0].Xid)
	assert.Equal(t, cdc.LSN(400), events[0].CommitLSN)
	assert.True(t, d.InTx())

	events = decode(t, d, 110, relationMsg(16384, "items"))
	require.Len(t, events, 1)
	rel := events[0].Relation
	require.NotNil(t, rel)
	assert.Equal(t, cdc.TableID{Schema: "public", Name: "items"}, rel.Table)
	assert.Equal(t, []string{"id"}, rel.KeyColumns())
	assert.Equal(t, byte('d'), rel.ReplicaIdentity)

	events = decode(t, d, 120, insertMsg(16384, sp("1"), sp("one")))
	require.Len(t, events, 1)
	ins := events[0]
	assert.Equal(t, cdc.KindInsert, ins.Kind)
	assert.Equal(t, cdc.LSN(120), ins.LSN)
	assert.Equal(t, cdc.LSN(400), ins.CommitLSN)
	assert.Equal(t, uint32(7), ins.Xid)
	assert.Equal(t, cdc.Row{int32(1), "one"}, ins.New)
	assert.NoError(t, ins.Err)

	upd := newMsg('U').u32(16384).u8('K').tuple(sp("1"), nil).u8('N').tuple(sp("2"), unchangedToast)
	events = decode(t, d, 130, upd)
	require.Len(t, events, 1)
	assert.Equal(t, cdc.KindUpdate, events[0].Kind)
	assert.Equal(t, cdc.Row{int32(1), nil}, events[0].Old)
	assert.Equal(t, int32(2), events[0].New[0])
	assert.True(t, cdc.IsUnchanged(events[0].New[1]))

	del := newMsg('D').u32(16384).u8('K').tuple(sp("2"), nil)
	events = decode(t, d, 140, del)
	require.Len(t, events, 1)
	assert.Equal(t, cdc.KindDelete, events[0].Kind)
	assert.Equal(t, cdc.Row{int32(2), nil}, events[0].Old)

	trunc := newMsg('T').u32(1).u8(0).u32(16384)
	events = decode(t, d, 150, trunc)
	require.Len(t, events, 1)
	assert.Equal(t, cdc.KindTruncate, events[0].Kind)
	require.Len(t, events[0].Relations, 1)
	assert.Equal(t, "items", events[0].Relations[0].Table.Name)

	events = decode(t, d, 400, commitMsg(400, 408))
	require.Len(t, events, 1)
	assert.Equal(t, cdc.KindCommit, events[0].Kind)
	assert.Equal(t, cdc.LSN(400), events[0].CommitLSN)
	assert.Equal(t, cdc.LSN(408), events[0].EndLSN)
	assert.False(t, d.InTx())
}

func TestDecodeValueError(t *testing.T) {
	d := newDecoder()
	decode(t, d, 1, beginMsg(10, 1))
	decode(t, d, 2, relationMsg(1, "items"))

	events := decode(t, d, 3, insertMsg(1, sp("not a number"), sp("x")))
	require.Len(t, events, 1)
	assert.Error(t, events[0].Err)
	assert.Contains(t, events[0].Err.Error(), "public.items.id")
	assert.Equal(t, cdc.Row{nil, "x"}, events[0].New)

	// the transaction is still usable
	decode(t, d, 10, commitMsg(10, 11))
}

func TestDecodeProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup [][]byte
		msg   []byte
	}{
		{"commit without begin", nil, commitMsg(10, 11)},
		{"nested begin", [][]byte{beginMsg(10, 1)}, beginMsg(20, 2)},
		{"commit lsn mismatch", [][]byte{beginMsg(10, 1)}, commitMsg(12, 13)},
		{"row outside transaction", [][]byte{relationMsg(1, "items")}, insertMsg(1, sp("1"), sp("x"))},
		{"unknown relation", [][]byte{beginMsg(10, 1)}, insertMsg(99, sp("1"), sp("x"))},
		{"column count mismatch", [][]byte{beginMsg(10, 1), relationMsg(1, "items")}, insertMsg(1, sp("1"))},
		{"truncated frame", [][]byte{beginMsg(10, 1)}, []byte{'I', 0, 0}},
		{"unknown tag", nil, []byte{'Z', 1, 2, 3}},
		{"binary tuple data", [][]byte{beginMsg(10, 1), relationMsg(1, "items")},
			newMsg('I').u32(1).u8('N').u16(2).u8('b').u32(1).u8(1).u8('n')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDecoder()
			for _, m := range tt.setup {
				decode(t, d, 1, m)
			}
			_, err := d.Decode(5, tt.msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)

			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, cdc.LSN(5), perr.LSN)
		})
	}
}

func TestDecodeIgnoredMessages(t *testing.T) {
	d := newDecoder()
	decode(t, d, 1, beginMsg(10, 1))

	origin := newMsg('O').u64(5).str("upstream")
	events, err := d.Decode(2, origin)
	require.NoError(t, err)
	assert.Empty(t, events)

	typ := newMsg('Y').u32(90000).str("public").str("mood")
	events, err = d.Decode(3, typ)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecoderReset(t *testing.T) {
	d := newDecoder()
	decode(t, d, 1, beginMsg(10, 1))
	decode(t, d, 2, relationMsg(1, "items"))

	d.Reset()
	assert.False(t, d.InTx())

	decode(t, d, 20, beginMsg(30, 2))
	_, err := d.Decode(21, insertMsg(1, sp("1"), sp("x")))
	assert.ErrorIs(t, err, ErrProtocol, "relations are forgotten on reset")
}

func TestRelationReplacement(t *testing.T) {
	d := newDecoder()
	decode(t, d, 1, beginMsg(10, 1))
	decode(t, d, 2, relationMsg(1, "items"))

	narrowed := newMsg('R').u32(1).str("public").str("items").u8('d').u16(1).
		u8(1).str("id").u32(pgtype.Int4OID).u32(0xFFFFFFFF)
	events := decode(t, d, 3, narrowed)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Relation.Columns, 1)

	events = decode(t, d, 4, insertMsg(1, sp("5")))
	assert.Equal(t, cdc.Row{int32(5)}, events[0].New)
}
