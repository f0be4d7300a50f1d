// Package protocol implements the custom binary frame protocol for echorpc.
//
// It solves TCP's sticky packet problem by using a fixed-size 19-byte header
// followed by a variable-length body and a variable-length attachment. The
// receiver reads the header first to determine both lengths, then reads exactly
// that many bytes.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15        19
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬─────────┬──────────┬────────────┐
//	│magic │v │ct│mt│cp│   seq   │ bodyLen │attachLen│ body ... │ attach ... │
//	│ mrp  │02│  │  │  │ uint32  │ uint32  │ uint32  │          │            │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴─────────┴──────────┴────────────┘
//
// The body is the (possibly compressed) serialized envelope. The attachment is
// never serialized or compressed; it is copied to the wire as-is.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mrp".
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 19 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (compress) + 4 (seq) + 4 (bodyLen) + 4 (attachLen)

	// MaxFrameSize bounds body + attachment so a corrupt header cannot make
	// the reader allocate gigabytes.
	MaxFrameSize = 64 << 20
)

var ErrFrameTooLarge = errors.New("frame too large")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive frame (no body)
)

// Codec and compress type constants, mirrored from the codec and compress
// packages to keep this package free of dependencies.
const (
	CodecTypeJSON    byte = 0
	CodecTypeBinary  byte = 1
	CodecTypeMsgpack byte = 2

	CompressTypeNone byte = 0
	CompressTypeMax  byte = 4 // zlib
)

// Header represents the fixed 19-byte frame header.
// It carries metadata needed to decode the following body correctly.
type Header struct {
	CodecType    byte    // Serialization format: 0=JSON, 1=Binary, 2=Msgpack
	MsgType      MsgType // Request, Response, or Heartbeat
	CompressType byte    // Body compression: 0=None ... 4=Zlib
	Seq          uint32  // Matches a response to its request on a multiplexed connection
	BodyLen      uint32  // Filled by Encode from len(body)
	AttachLen    uint32  // Filled by Encode from len(attach)
}

// Encode writes a complete frame (header + body + attachment) to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body, attach []byte) error {
	if len(body)+len(attach) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	h.BodyLen = uint32(len(body))
	h.AttachLen = uint32(len(attach))

	buf := make([]byte, HeaderSize+len(body)+len(attach))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = h.CompressType
	// Network byte order
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)
	binary.BigEndian.PutUint32(buf[15:19], h.AttachLen)
	copy(buf[HeaderSize:], body)
	copy(buf[HeaderSize+len(body):], attach)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r and returns its header, body and attachment.
// It validates the magic number, version, codec type, message type, compress type
// and frame size. Uses io.ReadFull to guarantee exactly N bytes are read.
func Decode(r io.Reader) (*Header, []byte, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] > CodecTypeMsgpack {
		return nil, nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}
	if headerBuf[6] > CompressTypeMax {
		return nil, nil, nil, fmt.Errorf("unsupported compress type: %d", headerBuf[6])
	}

	h := &Header{
		CodecType:    headerBuf[4],
		MsgType:      MsgType(msgType),
		CompressType: headerBuf[6],
		Seq:          binary.BigEndian.Uint32(headerBuf[7:11]),
		BodyLen:      binary.BigEndian.Uint32(headerBuf[11:15]),
		AttachLen:    binary.BigEndian.Uint32(headerBuf[15:19]),
	}
	if uint64(h.BodyLen)+uint64(h.AttachLen) > MaxFrameSize {
		return nil, nil, nil, ErrFrameTooLarge
	}

	// Read exactly bodyLen + attachLen bytes to keep frame boundaries on the stream
	payload := make([]byte, int(h.BodyLen)+int(h.AttachLen))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, nil, err
	}
	body := payload[:h.BodyLen:h.BodyLen]
	attach := payload[h.BodyLen:]
	return h, body, attach, nil
}
