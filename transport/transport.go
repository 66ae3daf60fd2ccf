// Package transport carries bridge frames between peers. Every frame is one
// JSON document; a transport preserves the order of frames it sends.
package transport

import (
	"context"
	"fmt"
)

var (
	ErrClosed = fmt.Errorf("transport is closed")
)

const (
	// MessageSizeLimit bounds a single websocket message. A peer sending
	// more is disconnected by the reader, so senders check their frames
	// against MaxFrameSize and MaxBodySize first.
	MessageSizeLimit = 64 * 1024 * 1024

	// envelopeAllowance is reserved for the envelope the coordinator wraps
	// around a relayed frame.
	envelopeAllowance = 4 * 1024

	// MaxFrameSize bounds a frame before it is wrapped in an envelope.
	MaxFrameSize = MessageSizeLimit - envelopeAllowance

	// headerAllowance is reserved for the method, url and headers of a
	// tunnelled HTTP message; net/http caps request headers at 1 MiB.
	headerAllowance = 1024*1024 + 4*1024

	// MaxBodySize is the largest raw HTTP body whose base64 form still fits
	// in a frame.
	MaxBodySize = (MaxFrameSize - headerAllowance) / 4 * 3
)

// Transport is a bidirectional, ordered frame stream.
type Transport interface {
	// Ready is closed once the transport is open. Frames must not be sent
	// before that.
	Ready() <-chan struct{}

	// Send transmits one frame. Callers serialize their sends.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives. It returns an error once
	// the transport is closed or failed; that error is final.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the transport. It is safe to call more than once.
	Close() error
}

var opened = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Opened returns an already closed channel.
func Opened() <-chan struct{} {
	return opened
}
