package pglogrepl

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

// AckFunc returns the confirmed position: the last commit LSN durably applied.
type AckFunc func() cdc.LSN

// Stream consumes a started replication connection.
type Stream struct {
	conn     *pgconn.PgConn
	decoder  *Decoder
	from     cdc.LSN
	interval time.Duration
	ack      AckFunc
	logger   *zap.Logger

	received cdc.LSN
}

// NewStream wraps conn, on which START_REPLICATION from `from` already succeeded.
func NewStream(conn *pgconn.PgConn, decoder *Decoder, from cdc.LSN, interval time.Duration, ack AckFunc, logger *zap.Logger) *Stream {
	decoder.Reset()
	return &Stream{
		conn:     conn,
		decoder:  decoder,
		from:     from,
		interval: interval,
		ack:      ack,
		logger:   logger,
		received: from,
	}
}

// Run decodes messages into events until ctx is done or the connection fails.
// Events are delivered in receive order. Between transactions the server WAL end
// of each keepalive is offered as a KindKeepalive event without blocking.
func (s *Stream) Run(ctx context.Context, events chan<- cdc.Event) error {
	nextStandby := time.Now().Add(s.interval)

	for {
		if time.Now().After(nextStandby) {
			if err := s.sendStatus(ctx); err != nil {
				return err
			}
			nextStandby = time.Now().Add(s.interval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := s.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		var copyData *pgproto3.CopyData
		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			copyData = msg
		case *pgproto3.ErrorResponse:
			pgErr := pgconn.ErrorResponseToPgError(msg)
			if pgErr.Code == codeUndefinedObject {
				return fmt.Errorf("replication: %w: %w", ErrSlotLost, pgErr)
			}
			return fmt.Errorf("replication: %w", pgErr)
		case *pgproto3.CopyDone:
			return fmt.Errorf("replication stream ended by server")
		default:
			continue
		}
		if len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return &ProtocolError{LSN: s.received, Reason: "parse keepalive", Err: err}
			}
			if pkm.ServerWALEnd > s.received {
				s.received = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				if err := s.sendStatus(ctx); err != nil {
					return err
				}
				nextStandby = time.Now().Add(s.interval)
			}
			if !s.decoder.InTx() && pkm.ServerWALEnd > 0 {
				select {
				case events <- cdc.Event{Kind: cdc.KindKeepalive, LSN: pkm.ServerWALEnd}:
				default:
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return &ProtocolError{LSN: s.received, Reason: "parse xlog data", Err: err}
			}
			if end := xld.WALStart + cdc.LSN(len(xld.WALData)); end > s.received {
				s.received = end
			}

			decoded, err := s.decoder.Decode(xld.WALStart, xld.WALData)
			if err != nil {
				return err
			}
			for _, ev := range decoded {
				select {
				case events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// ackPosition is the position reported as written, flushed and applied: the first
// byte after the confirmed commit.
func (s *Stream) ackPosition() cdc.LSN {
	if confirmed := s.ack(); confirmed > 0 {
		return confirmed + 1
	}
	return s.from
}

func (s *Stream) sendStatus(ctx context.Context) error {
	pos := s.ackPosition()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	s.logger.Debug("standby status sent", zap.Stringer("ack", pos), zap.Stringer("received", s.received))
	return nil
}

// Close sends a final status update and closes the connection.
func (s *Stream) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.sendStatus(ctx); err != nil {
		s.logger.Debug("final standby status", zap.Error(err))
	}
	return s.conn.Close(ctx)
}
