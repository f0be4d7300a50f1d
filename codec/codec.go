// Package codec serializes RPC envelopes and the args/reply payloads inside them.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=Msgpack
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// GetCodec returns the envelope codec for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeBinary:
		return &BinaryCodec{}, nil
	case CodecTypeMsgpack:
		return &MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", byte(codecType))
}

// ParseCodecType maps a protocol name ("json", "binary", "msgpack") to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// PayloadCodec returns the codec for args and replies carried inside an
// envelope of type codecType. The binary codec only knows envelopes, so its
// payloads are JSON.
func PayloadCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpack {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}
