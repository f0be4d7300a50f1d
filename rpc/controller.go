package rpc

import (
	"fmt"
	"time"
)

// Controller is the context of a single call. The client creates one per
// call and the server creates one per received request; a Controller is never
// shared between two calls and is not safe for concurrent use.
//
//   - LogID is the caller-assigned correlation id. The server only logs it.
//   - The remote/local sides are filled by the framework once the call has a
//     connection.
//   - Attachments travel next to the serialized message, not inside it.
type Controller struct {
	LogID uint64

	requestCode    uint64
	hasRequestCode bool

	remoteSide string
	localSide  string

	requestAttachment  []byte
	responseAttachment []byte

	code int32
	text string

	latency time.Duration
}

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{}
}

// SetRequestCode sets the key hashing load balancers route by.
func (c *Controller) SetRequestCode(code uint64) {
	c.requestCode = code
	c.hasRequestCode = true
}

// RequestCode returns the key set by SetRequestCode, or LogID when unset.
func (c *Controller) RequestCode() uint64 {
	if c.hasRequestCode {
		return c.requestCode
	}
	return c.LogID
}

func (c *Controller) RequestAttachment() []byte {
	return c.requestAttachment
}

func (c *Controller) SetRequestAttachment(b []byte) {
	c.requestAttachment = b
}

func (c *Controller) ResponseAttachment() []byte {
	return c.responseAttachment
}

func (c *Controller) SetResponseAttachment(b []byte) {
	c.responseAttachment = b
}

// SetSides records the endpoints of the connection that carried the call.
func (c *Controller) SetSides(remote, local string) {
	c.remoteSide = remote
	c.localSide = local
}

func (c *Controller) RemoteSide() string {
	return c.remoteSide
}

func (c *Controller) LocalSide() string {
	return c.localSide
}

// SetFailed marks the call as failed. On the server this becomes the
// response's status; on the client it is set by the framework.
func (c *Controller) SetFailed(code int32, format string, args ...any) {
	if code == ECodeOK {
		code = ECodeInternal
	}
	c.code = code
	c.text = fmt.Sprintf(format, args...)
}

func (c *Controller) Failed() bool {
	return c.code != ECodeOK
}

func (c *Controller) ErrorCode() int32 {
	return c.code
}

// ErrorText returns "[E<code>]<text>" for a failed call and "" otherwise.
func (c *Controller) ErrorText() string {
	if !c.Failed() {
		return ""
	}
	return c.Err().Error()
}

// Err returns the failure as an *Error, or nil.
func (c *Controller) Err() error {
	if !c.Failed() {
		return nil
	}
	return &Error{Code: c.code, Text: c.text}
}

func (c *Controller) SetLatency(d time.Duration) {
	c.latency = d
}

// Latency is the wall time from issuing the call to its completion.
func (c *Controller) Latency() time.Duration {
	return c.latency
}
