package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec is a compact, schemaless binary format.
// Smaller and faster than JSON while still cross-language.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
