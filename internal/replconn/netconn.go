package replconn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// NetConn is a length-prefixed realization of Conn over a net.Conn: one
// byte of MessageType, a big-endian uint32 payload length, then the
// payload. It is deliberately simple — the real wire format (and its
// authentication handshake) is an external collaborator per spec.md §1.
type NetConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	wmu  sync.Mutex
}

// NewNetConn wraps an already-established, already-authenticated
// connection.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 32*1024),
		w:    bufio.NewWriterSize(conn, 32*1024),
	}
}

func (c *NetConn) writeFrame(t MessageType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.w.WriteByte(byte(t)); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *NetConn) readFrame() (MessageType, []byte, error) {
	tb, err := c.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return 0, nil, err
		}
	}
	return MessageType(tb), payload, nil
}

func putString(dst *[]byte, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	*dst = append(*dst, lenBuf[:]...)
	*dst = append(*dst, s...)
}

func getString(b []byte, off int) (string, int) {
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	return string(b[off : off+n]), off + n
}

func (c *NetConn) SendRowDescription(fields []Field) error {
	var buf []byte
	var nf [2]byte
	binary.BigEndian.PutUint16(nf[:], uint16(len(fields)))
	buf = append(buf, nf[:]...)
	for _, f := range fields {
		putString(&buf, f.Name)
		var oid [4]byte
		binary.BigEndian.PutUint32(oid[:], uint32(f.OID))
		buf = append(buf, oid[:]...)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(f.Len))
		buf = append(buf, l[:]...)
	}
	return c.writeFrame(TypeRowDescription, buf)
}

func (c *NetConn) SendDataRow(row Row) error {
	var buf []byte
	var nc [2]byte
	binary.BigEndian.PutUint16(nc[:], uint16(len(row)))
	buf = append(buf, nc[:]...)
	for _, v := range row {
		var l [4]byte
		if v == nil {
			binary.BigEndian.PutUint32(l[:], uint32(0xFFFFFFFF)) // -1, NULL
			buf = append(buf, l[:]...)
			continue
		}
		binary.BigEndian.PutUint32(l[:], uint32(len(v)))
		buf = append(buf, l[:]...)
		buf = append(buf, v...)
	}
	return c.writeFrame(TypeDataRow, buf)
}

func (c *NetConn) SendCommandComplete(tag string) error {
	var buf []byte
	putString(&buf, tag)
	return c.writeFrame(TypeCommandComplete, buf)
}

func (c *NetConn) BeginCopyOut() error  { return c.writeFrame(TypeCopyOutResponse, nil) }
func (c *NetConn) BeginCopyBoth() error { return c.writeFrame(TypeCopyBothResp, nil) }
func (c *NetConn) SendCopyData(p []byte) error {
	return c.writeFrame(TypeCopyData, p)
}
func (c *NetConn) EndCopyOut() error { return c.writeFrame(TypeCopyDone, nil) }

func (c *NetConn) SendCommandResult(ok bool, errMsg string) error {
	var buf []byte
	if ok {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
	}
	putString(&buf, errMsg)
	return c.writeFrame(TypeCommandResult, buf)
}

func (c *NetConn) ReadRowDescription() ([]Field, error) {
	t, payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if t != TypeRowDescription {
		return nil, fmt.Errorf("replconn: expected row-description, got %q", t)
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	fields := make([]Field, n)
	for i := 0; i < n; i++ {
		var name string
		name, off = getString(payload, off)
		oid := int32(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		l := int16(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		fields[i] = Field{Name: name, OID: oid, Len: l}
	}
	return fields, nil
}

func (c *NetConn) ReadDataRow() (Row, error) {
	t, payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if t != TypeDataRow {
		return nil, fmt.Errorf("replconn: expected data-row, got %q", t)
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	row := make(Row, n)
	for i := 0; i < n; i++ {
		l := int32(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		if l < 0 {
			row[i] = nil
			continue
		}
		row[i] = payload[off : off+int(l)]
		off += int(l)
	}
	return row, nil
}

func (c *NetConn) ReadCommandComplete() (string, error) {
	t, payload, err := c.readFrame()
	if err != nil {
		return "", err
	}
	if t != TypeCommandComplete {
		return "", fmt.Errorf("replconn: expected command-complete, got %q", t)
	}
	tag, _ := getString(payload, 0)
	return tag, nil
}

func (c *NetConn) NextCopyData() ([]byte, error) {
	for {
		t, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeCopyData:
			return payload, nil
		case TypeCopyDone:
			return nil, ErrClosed
		case TypeCopyOutResponse, TypeCopyBothResp:
			// The acknowledgment that opens the copy stream; the
			// reader never calls BeginCopyOut/BeginCopyBoth itself; it
			// just skips past this frame to the data that follows.
			continue
		default:
			return nil, fmt.Errorf("replconn: unexpected message %q in copy stream", t)
		}
	}
}

func (c *NetConn) CommandResult() (bool, string, error) {
	for {
		t, payload, err := c.readFrame()
		if err != nil {
			return false, "", err
		}
		if t == TypeCopyBothResp {
			continue
		}
		if t != TypeCommandResult {
			return false, "", fmt.Errorf("replconn: expected command-result, got %q", t)
		}
		ok := payload[0] == 0
		errMsg, _ := getString(payload, 1)
		return ok, errMsg, nil
	}
}

func (c *NetConn) Close() error { return c.conn.Close() }
