package wire

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/dalaw2/visiogrid/cmn/cos"
)

// SocketStream wraps a TCP connection split conceptually into a read half
// and a write half: Send and Receive may run concurrently from distinct
// goroutines, but there is never more than one concurrent writer and never
// more than one concurrent reader on the same SocketStream.
type SocketStream struct {
	conn net.Conn
}

func NewSocketStream(conn net.Conn) *SocketStream { return &SocketStream{conn: conn} }

func (s *SocketStream) Conn() net.Conn { return s.conn }

// Send writes length || id || data contiguously and does not return until
// every byte has reached the kernel socket buffer.
func (s *SocketStream) Send(p Packet) error {
	buf := p.Encode()
	n, err := s.conn.Write(buf)
	if err != nil {
		return cos.ErrNetwork(err, "send %s (%d bytes)", p.Type, len(buf))
	}
	if n != len(buf) {
		return cos.ErrNetwork(io.ErrShortWrite, "send %s: short write (%d/%d)", p.Type, n, len(buf))
	}
	return nil
}

// Receive reads exactly one framed Packet: 8 bytes length, 8 bytes id,
// then length-16 bytes of data. Partial reads block until the full packet
// arrives or the socket closes, in which case Receive returns an IO error
// wrapping io.EOF (closed before a header) or io.ErrUnexpectedEOF (closed
// mid-packet).
func (s *SocketStream) Receive() (Packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return Packet{}, cos.ErrIO(err, "receive: header")
	}
	length := binary.BigEndian.Uint64(hdr[0:8])
	id := binary.BigEndian.Uint64(hdr[8:16])
	if length < headerSize {
		// Must surface as an IO error, not under-read length-16 bytes of
		// garbage as though it were a zero-length-minus-something body.
		return Packet{}, cos.ErrIO(nil, "receive: malformed length %d (< %d)", length, headerSize)
	}
	data := make([]byte, length-headerSize)
	if len(data) > 0 {
		if _, err := io.ReadFull(s.conn, data); err != nil {
			return Packet{}, cos.ErrIO(err, "receive: body (%d bytes)", len(data))
		}
	}
	return Packet{Type: ParsePacketType(id), Data: data}, nil
}

func (s *SocketStream) CloseWrite() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return s.conn.Close()
}

func (s *SocketStream) Close() error { return s.conn.Close() }
