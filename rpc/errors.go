// Package rpc holds the per-call state shared by the client and the server:
// the Controller (call context), the one-shot completion Closure and the
// error codes carried in every response envelope.
package rpc

import "fmt"

// Error codes carried in message.RPCMessage.Code. Zero means success.
const (
	ECodeOK        int32 = 0
	ECodeCanceled  int32 = 125  // The caller gave up before a response arrived
	ECodeNoService int32 = 1001 // Service not registered on the server
	ECodeNoMethod  int32 = 1002 // Method not found on the service
	ECodeRequest   int32 = 1003 // Malformed request (bad envelope, payload, or service method)
	ECodeTimeout   int32 = 1008 // Deadline reached before a response arrived
	ECodeTransport int32 = 1009 // Connect, write or read failure on the connection
	ECodeInternal  int32 = 2001 // Handler panicked or the server could not encode the reply
	ECodeResponse  int32 = 2002 // The client could not decode the response
	ECodeLogoff    int32 = 2003 // Server is shutting down
	ECodeLimited   int32 = 2004 // Rejected by the server's rate limiter
)

// Error is the error value returned for a failed call.
// It renders as "[E<code>]<text>", so logs stay greppable by code.
type Error struct {
	Code int32
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[E%d]%s", e.Code, e.Text)
}

// Errorf builds an *Error.
func Errorf(code int32, format string, args ...any) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// Retryable reports whether a call that failed with code may be sent again.
// Only failures that happened before the server ran the handler qualify.
func Retryable(code int32) bool {
	switch code {
	case ECodeTransport, ECodeLogoff:
		return true
	}
	return false
}
