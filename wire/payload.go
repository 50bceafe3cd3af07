package wire

import (
	"encoding/binary"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeJSON/DecodeJSON implement the wire rule that TaskInfo, AgentInfo,
// Performance, TaskResult, and Control packet data are JSON-encoded values
// of the respective entities.
func EncodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func DecodeJSON(data []byte, v any) error { return json.Unmarshal(data, v) }

// FileHeader is the {filename, size} payload preceding a model/media
// transfer.
type FileHeader struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// EncodeFileBody prepends the 8-byte big-endian chunk sequence number to a
// chunk's bytes, per spec §4.4: FileBody.data = be(seq) || chunk.
func EncodeFileBody(seq uint64, chunk []byte) []byte {
	buf := make([]byte, 8+len(chunk))
	binary.BigEndian.PutUint64(buf[:8], seq)
	copy(buf[8:], chunk)
	return buf
}

// DecodeFileBody splits a FileBody payload back into its sequence number
// and chunk bytes.
func DecodeFileBody(data []byte) (seq uint64, chunk []byte) {
	seq = binary.BigEndian.Uint64(data[:8])
	chunk = data[8:]
	return
}

// EncodeMissingChunks packs a FileTransferResult payload: empty means "no
// missing chunks", otherwise a concatenation of 8-byte big-endian indices.
// An empty slice must encode to a nil/zero-length byte slice, never to a
// single index 0 — see spec §8 boundary behaviour.
func EncodeMissingChunks(missing []uint64) []byte {
	if len(missing) == 0 {
		return nil
	}
	buf := make([]byte, 8*len(missing))
	for i, idx := range missing {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], idx)
	}
	return buf
}

// DecodeMissingChunks is the inverse of EncodeMissingChunks. An empty (or
// nil) payload decodes to an empty slice, never a one-element slice
// containing index 0.
func DecodeMissingChunks(data []byte) []uint64 {
	if len(data) == 0 {
		return nil
	}
	n := len(data) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint64(data[i*8 : i*8+8])
	}
	return out
}

// EncodePort/DecodePort implement DataChannelPort.data: a 2-byte
// big-endian port number.
func EncodePort(port uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return buf
}

func DecodePort(data []byte) uint16 { return binary.BigEndian.Uint16(data) }
