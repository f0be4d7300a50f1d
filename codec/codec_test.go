package codec

import (
	"testing"

	"echorpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	testCases := []struct {
		name string
		msg  *message.RPCMessage
	}{
		{
			name: "request",
			msg: &message.RPCMessage{
				ServiceMethod: "EchoService.Echo",
				LogID:         17,
				Payload:       []byte(`{"message":"hello world"}`),
				Attachment:    []byte("not in body"),
			},
		},
		{
			name: "failed response",
			msg: &message.RPCMessage{
				ServiceMethod: "EchoService.Echo",
				Code:          1008,
				Error:         "reached timeout=100ms",
			},
		},
		{
			name: "empty",
			msg:  &message.RPCMessage{},
		},
	}
	for _, codecType := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeMsgpack} {
		cdc, err := GetCodec(codecType)
		require.NoError(t, err)
		assert.Equal(t, codecType, cdc.Type())
		for _, tc := range testCases {
			t.Run(codecType.String()+"/"+tc.name, func(t *testing.T) {
				data, err := cdc.Encode(tc.msg)
				require.NoError(t, err)
				if len(tc.msg.Attachment) > 0 {
					assert.NotContains(t, string(data), string(tc.msg.Attachment))
				}

				var decoded message.RPCMessage
				require.NoError(t, cdc.Decode(data, &decoded))
				assert.Equal(t, tc.msg.ServiceMethod, decoded.ServiceMethod)
				assert.Equal(t, tc.msg.LogID, decoded.LogID)
				assert.Equal(t, tc.msg.Code, decoded.Code)
				assert.Equal(t, tc.msg.Error, decoded.Error)
				assert.Equal(t, string(tc.msg.Payload), string(decoded.Payload))
				assert.Empty(t, decoded.Attachment)
			})
		}
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(&message.RPCMessage{
		ServiceMethod: "EchoService.Echo",
		Payload:       []byte("payload"),
		Error:         "boom",
	})
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var decoded message.RPCMessage
		assert.ErrorIs(t, cdc.Decode(data[:n], &decoded), ErrTruncated)
	}
}

func TestBinaryCodecWrongType(t *testing.T) {
	cdc := &BinaryCodec{}
	_, err := cdc.Encode("not a message")
	assert.ErrorIs(t, err, ErrNotRPCMessage)
	assert.ErrorIs(t, cdc.Decode(nil, new(string)), ErrNotRPCMessage)
}

func TestParseCodecType(t *testing.T) {
	for name, want := range map[string]CodecType{
		"json":    CodecTypeJSON,
		"binary":  CodecTypeBinary,
		"MsgPack": CodecTypeMsgpack,
	} {
		got, err := ParseCodecType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodecType("baidu_std")
	assert.Error(t, err)

	_, err = GetCodec(CodecType(9))
	assert.Error(t, err)
}

func TestPayloadCodec(t *testing.T) {
	type echoReq struct {
		Message string `json:"message" msgpack:"message"`
	}
	for _, codecType := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeMsgpack} {
		pc := PayloadCodec(codecType)
		data, err := pc.Encode(&echoReq{Message: "hello world"})
		require.NoError(t, err)
		var got echoReq
		require.NoError(t, pc.Decode(data, &got))
		assert.Equal(t, "hello world", got.Message)
	}
	assert.Equal(t, CodecTypeMsgpack, PayloadCodec(CodecTypeMsgpack).Type())
	assert.Equal(t, CodecTypeJSON, PayloadCodec(CodecTypeBinary).Type())
}
