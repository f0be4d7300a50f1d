// Package message defines the RPC message structure exchanged between client and server.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP. The attachment is the one
// field the codec never sees: the protocol layer writes it after the serialized body.
package message

import (
	"errors"
	"strings"
)

var ErrInvalidServiceMethod = errors.New("invalid service method format")

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod and LogID are set, Payload contains the serialized args.
//   - On response: Payload contains the serialized reply; Code/Error are set if the call failed.
type RPCMessage struct {
	ServiceMethod string `json:"service_method" msgpack:"service_method"` // Format: "ServiceName.MethodName", e.g., "EchoService.Echo"
	LogID         uint64 `json:"log_id" msgpack:"log_id"`                 // Caller-assigned correlation id, opaque to the server
	Code          int32  `json:"code" msgpack:"code"`                     // rpc.ECode*, zero on success
	Error         string `json:"error" msgpack:"error"`                   // Error text, non-empty iff Code != 0
	Payload       []byte `json:"payload" msgpack:"payload"`               // Serialized args (request) or reply (response)
	Attachment    []byte `json:"-" msgpack:"-"`                           // Raw bytes carried outside the serialized body
}

// Failed reports whether the message carries an error status.
func (m *RPCMessage) Failed() bool {
	return m.Code != 0 || m.Error != ""
}

// SplitServiceMethod splits "Service.Method" into its two halves.
func SplitServiceMethod(serviceMethod string) (string, string, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", "", ErrInvalidServiceMethod
	}
	return split[0], split[1], nil
}
