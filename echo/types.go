// Package echo is the echo example served over echorpc: the EchoService
// handler, the client loop that calls it once per interval, and the
// process configuration both sides are built from.
package echo

const (
	ServiceName = "EchoService"
	MethodEcho  = ServiceName + ".Echo"
)

// EchoRequest is the request body. Attachments travel on the controller,
// outside the serialized body.
type EchoRequest struct {
	Message string `json:"message" msgpack:"message"`
}

type EchoResponse struct {
	Message string `json:"message" msgpack:"message"`
}
