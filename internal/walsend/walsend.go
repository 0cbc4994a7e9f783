// Package walsend implements the sender-side WAL Streamer (C4). It is
// not a transport: it is the framing contract for pushing newly
// produced WAL bytes as copy-data blocks aligned to segment boundaries.
// Generating those bytes is the WAL subsystem's concern (out of scope).
package walsend

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pgreplica/basestream/internal/metrics"
	"github.com/pgreplica/basestream/internal/replconn"
)

// SegSize is the fixed WAL segment size: 16 MiB.
const SegSize = 16 * 1024 * 1024

// HeaderSize is the fixed streaming header: a 'w' tag, an 8-byte
// start-LSN, and two reserved 8-byte fields.
const HeaderSize = 1 + 8 + 8 + 8

// LSN is a (file-id, byte-offset) position in the WAL.
type LSN struct {
	FileID     uint32
	ByteOffset uint32
}

// Source produces WAL blocks to stream. A production implementation
// would tail the engine's WAL buffer; NextBlock should return
// io.EOF-like behavior via a nil payload and nil error to mean "no data
// yet, keep polling" versus a non-nil error to mean "stop".
type Source interface {
	NextBlock() (start LSN, payload []byte, err error)
}

// Streamer pushes WAL blocks from a Source to conn.
type Streamer struct {
	conn    replconn.Conn
	metrics *metrics.Set
}

// New constructs a Streamer.
func New(conn replconn.Conn, m *metrics.Set) *Streamer {
	return &Streamer{conn: conn, metrics: m}
}

// EncodeBlock renders one copy-data payload: 'w' + 8-byte start-LSN +
// 16 reserved bytes + payload.
func EncodeBlock(start LSN, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = 'w'
	binary.BigEndian.PutUint32(buf[1:5], start.FileID)
	binary.BigEndian.PutUint32(buf[5:9], start.ByteOffset)
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeBlock is the receiver-side inverse of EncodeBlock.
func DecodeBlock(msg []byte) (start LSN, payload []byte, err error) {
	if len(msg) < HeaderSize+1 {
		return LSN{}, nil, fmt.Errorf("walsend: streaming header too small: %d bytes", len(msg))
	}
	if msg[0] != 'w' {
		return LSN{}, nil, fmt.Errorf("walsend: streaming header corrupt: leading byte %q", msg[0])
	}
	start.FileID = binary.BigEndian.Uint32(msg[1:5])
	start.ByteOffset = binary.BigEndian.Uint32(msg[5:9])
	return start, msg[HeaderSize:], nil
}

// StreamBlock sends one block, which must not cross a segment boundary.
func (s *Streamer) StreamBlock(start LSN, payload []byte) error {
	if start.ByteOffset%SegSize+uint32(len(payload)) > SegSize {
		return fmt.Errorf("walsend: block [%d,%d) crosses a segment boundary", start.ByteOffset, start.ByteOffset+uint32(len(payload)))
	}
	if err := s.conn.SendCopyData(EncodeBlock(start, payload)); err != nil {
		return fmt.Errorf("walsend: send block: %w", err)
	}
	if s.metrics != nil {
		s.metrics.WALBytesStreamed.Add(float64(len(payload)))
	}
	return nil
}

// Run begins a copy-both exchange and drains src until ctx is canceled
// or src returns an error, streaming every block it produces. A nil
// payload with a nil error from src means "no data currently available"
// and is skipped without sending anything (callers implementing Source
// over a live WAL buffer should block briefly rather than busy-loop in
// that case). A clean cancellation reports a command-ok result to the
// peer before returning ctx.Err().
func (s *Streamer) Run(ctx context.Context, src Source) error {
	if err := s.conn.BeginCopyBoth(); err != nil {
		return fmt.Errorf("walsend: copy-both: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			s.conn.SendCommandResult(true, "")
			return ctx.Err()
		default:
		}

		start, payload, err := src.NextBlock()
		if err != nil {
			s.conn.SendCommandResult(false, err.Error())
			return err
		}
		if payload == nil {
			continue
		}
		if err := s.StreamBlock(start, payload); err != nil {
			s.conn.SendCommandResult(false, err.Error())
			return err
		}
	}
}
