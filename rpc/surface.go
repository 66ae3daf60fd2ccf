package rpc

import (
	"context"

	"github.com/focux/alchemy-sub001/messaging"

	"github.com/pkg/errors"
)

// Names of the platform event handlers a local peer serves.
const (
	HandlerFetch     = "fetch"
	HandlerQueue     = "queue"
	HandlerScheduled = "scheduled"
	HandlerEmail     = "email"
	HandlerTail      = "tail"
	HandlerTrace     = "trace"
	HandlerTest      = "test"
)

// Handlers lists every handler name in a stable order.
var Handlers = []string{
	HandlerFetch,
	HandlerQueue,
	HandlerScheduled,
	HandlerEmail,
	HandlerTail,
	HandlerTrace,
	HandlerTest,
}

// Caller is anything able to invoke a named function on a peer.
type Caller interface {
	Call(ctx context.Context, name string, args ...messaging.Value) (messaging.Value, error)
}

var _ Caller = &Link{}

// Fetch forwards an HTTP event and decodes the response.
func Fetch(ctx context.Context, c Caller, req *messaging.HTTPRequest, extra ...messaging.Value) (*messaging.HTTPResponse, error) {
	args := append([]messaging.Value{req.Value()}, extra...)
	v, err := c.Call(ctx, HandlerFetch, args...)
	if err != nil {
		return nil, err
	}
	resp, err := messaging.HTTPResponseOf(v)
	if err != nil {
		return nil, errors.Wrap(err, "decoding fetch response")
	}
	return resp, nil
}

func Queue(ctx context.Context, c Caller, args ...messaging.Value) (messaging.Value, error) {
	return c.Call(ctx, HandlerQueue, args...)
}

func Scheduled(ctx context.Context, c Caller, args ...messaging.Value) (messaging.Value, error) {
	return c.Call(ctx, HandlerScheduled, args...)
}

func Email(ctx context.Context, c Caller, args ...messaging.Value) (messaging.Value, error) {
	return c.Call(ctx, HandlerEmail, args...)
}

func Tail(ctx context.Context, c Caller, args ...messaging.Value) (messaging.Value, error) {
	return c.Call(ctx, HandlerTail, args...)
}

func Trace(ctx context.Context, c Caller, args ...messaging.Value) (messaging.Value, error) {
	return c.Call(ctx, HandlerTrace, args...)
}

func Test(ctx context.Context, c Caller, args ...messaging.Value) (messaging.Value, error) {
	return c.Call(ctx, HandlerTest, args...)
}
