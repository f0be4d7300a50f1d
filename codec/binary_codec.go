package codec

import (
	"encoding/binary"
	"errors"

	"echorpc/message"
)

var (
	ErrNotRPCMessage = errors.New("BinaryCodec: v must be *RPCMessage")
	ErrTruncated     = errors.New("BinaryCodec: truncated data")
)

// BinaryCodec hand-encodes the envelope as length-prefixed fields:
//
//	smLen(2) sm | logID(8) | code(4) | payloadLen(4) payload | errLen(4) err
//
// The attachment is not part of the envelope and is skipped.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, ErrNotRPCMessage
	}
	if len(msg.ServiceMethod) > 0xFFFF {
		return nil, errors.New("BinaryCodec: service method too long")
	}

	total := 2 + len(msg.ServiceMethod) + 8 + 4 + 4 + len(msg.Payload) + 4 + len(msg.Error)
	buf := make([]byte, total)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.ServiceMethod)))
	offset += 2
	offset += copy(buf[offset:], msg.ServiceMethod)

	binary.BigEndian.PutUint64(buf[offset:], msg.LogID)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(msg.Code))
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Error)))
	offset += 4
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return ErrNotRPCMessage
	}
	r := binaryReader{data: data}

	smLen := r.uint16()
	msg.ServiceMethod = string(r.bytes(int(smLen)))
	msg.LogID = r.uint64()
	msg.Code = int32(r.uint32())

	payloadLen := r.uint32()
	if payload := r.bytes(int(payloadLen)); len(payload) > 0 {
		msg.Payload = make([]byte, len(payload))
		copy(msg.Payload, payload)
	}

	errLen := r.uint32()
	msg.Error = string(r.bytes(int(errLen)))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader reads big-endian fields and latches ErrTruncated instead of
// panicking on short input.
type binaryReader struct {
	data []byte
	err  error
}

func (r *binaryReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = ErrTruncated
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *binaryReader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binaryReader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
