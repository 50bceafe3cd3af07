package wire_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/cmn/cos"
	"github.com/dalaw2/visiogrid/wire"
)

func TestPacketRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s1 := wire.NewSocketStream(c1)
	s2 := wire.NewSocketStream(c2)

	orig := wire.New(wire.FileBody, wire.EncodeFileBody(7, []byte("hello world")))
	go func() {
		if err := s1.Send(orig); err != nil {
			t.Errorf("send: %v", err)
		}
	}()

	got, err := s2.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Type != orig.Type {
		t.Fatalf("type mismatch: %v != %v", got.Type, orig.Type)
	}
	if !bytes.Equal(got.Data, orig.Data) {
		t.Fatalf("data mismatch: %v != %v", got.Data, orig.Data)
	}
	seq, chunk := wire.DecodeFileBody(got.Data)
	if seq != 7 || string(chunk) != "hello world" {
		t.Fatalf("decoded wrong: seq=%d chunk=%q", seq, chunk)
	}
}

func TestUnknownPacketTypeDecodesToBase(t *testing.T) {
	if got := wire.ParsePacketType(999999); got != wire.Base {
		t.Fatalf("expected Base, got %v", got)
	}
}

func TestMalformedLengthIsIOError(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		// length field (8) claims 5, which is < 16: malformed.
		hdr := make([]byte, 16)
		hdr[7] = 5
		c1.Write(hdr)
	}()

	s2 := wire.NewSocketStream(c2)
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := s2.Receive()
	if err == nil {
		t.Fatal("expected an error for malformed length")
	}
	if !cos.IsKind(err, cos.KindIO) {
		t.Fatalf("expected IO kind, got %v", err)
	}
}

func TestEmptyMissingChunksRoundTrip(t *testing.T) {
	encoded := wire.EncodeMissingChunks(nil)
	if len(encoded) != 0 {
		t.Fatalf("expected empty encoding, got %d bytes", len(encoded))
	}
	decoded := wire.DecodeMissingChunks(encoded)
	if len(decoded) != 0 {
		t.Fatalf("empty data must not decode as missing chunk 0, got %v", decoded)
	}
}

func TestMissingChunksPreservesOrder(t *testing.T) {
	missing := []uint64{1, 2}
	encoded := wire.EncodeMissingChunks(missing)
	if len(encoded) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(encoded))
	}
	decoded := wire.DecodeMissingChunks(encoded)
	if len(decoded) != 2 || decoded[0] != 1 || decoded[1] != 2 {
		t.Fatalf("order not preserved: %v", decoded)
	}
}
