package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/profiler"
	"github.com/focux/alchemy-sub001/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrTooLarge         = fmt.Errorf("message too large")
)

// Functions are the named functions a link serves to its peer.
type Functions map[string]messaging.Func

// RemoteError is an application error raised by the peer's function. Only
// its message crosses the wire.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type outcome struct {
	value messaging.Value
	err   error
}

// pendingCall is one outbound Call or Callback waiting for its response. It
// owns the functions handed to the peer as arguments of that call.
type pendingCall struct {
	id     uint64
	kind   string
	refs   refTable
	result chan outcome
}

// Link correlates calls over one transport. Outbound calls are sent in the
// order they were issued; inbound calls and callbacks are served from
// functions and from the ref tables of pending calls.
type Link struct {
	logger    *zap.Logger
	transport transport.Transport
	functions Functions
	outbox    *transport.Queue
	maxFrame  int

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewLink creates a link over t. Frames queued before Run are kept until
// the transport is ready.
func NewLink(logger *zap.Logger, t transport.Transport, functions Functions) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	if functions == nil {
		functions = Functions{}
	}
	return &Link{
		logger:    logger,
		transport: t,
		functions: functions,
		outbox:    transport.NewQueue(),
		maxFrame:  transport.MaxFrameSize,
		pending:   make(map[uint64]*pendingCall),
		done:      make(chan struct{}),
	}
}

// Call invokes the peer's function name. It returns the peer's result, a
// *RemoteError, ErrConnectionClosed, or ctx.Err() when the caller gives up.
func (l *Link) Call(ctx context.Context, name string, args ...messaging.Value) (messaging.Value, error) {
	return l.request(ctx, "call", func(id uint64, wire []messaging.Value) messaging.Message {
		return &messaging.Call{CallID: id, Function: name, Args: wire}
	}, args)
}

func (l *Link) request(ctx context.Context, kind string, build func(uint64, []messaging.Value) messaging.Message, args []messaging.Value) (messaging.Value, error) {
	var refs refTable
	wire, err := refs.marshalArgs(args)
	if err != nil {
		profiler.RPCCalls.WithLabelValues("outbound", kind, "error").Inc()
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		profiler.RPCCalls.WithLabelValues("outbound", kind, "closed").Inc()
		return nil, ErrConnectionClosed
	}
	l.nextID++
	id := l.nextID
	msg := build(id, wire)
	frame, err := messaging.Encode(msg)
	if err == nil && len(frame) > l.maxFrame {
		err = errors.Wrapf(ErrTooLarge, "%d bytes", len(frame))
	}
	if err != nil {
		l.mu.Unlock()
		profiler.RPCCalls.WithLabelValues("outbound", kind, "error").Inc()
		return nil, errors.Wrap(err, "encoding outbound "+kind)
	}
	p := &pendingCall{
		id:     id,
		kind:   kind,
		refs:   refs,
		result: make(chan outcome, 1),
	}
	l.pending[id] = p
	l.outbox.Push(frame)
	l.mu.Unlock()

	l.logger.Debug("outbound", zap.Object("message", msg))

	select {
	case o := <-p.result:
		switch {
		case o.err == nil:
			profiler.RPCCalls.WithLabelValues("outbound", kind, "ok").Inc()
		case errors.Is(o.err, ErrConnectionClosed):
			profiler.RPCCalls.WithLabelValues("outbound", kind, "closed").Inc()
		default:
			profiler.RPCCalls.WithLabelValues("outbound", kind, "error").Inc()
		}
		return o.value, o.err
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		profiler.RPCCalls.WithLabelValues("outbound", kind, "abandoned").Inc()
		return nil, ctx.Err()
	}
}

// proxy returns a factory of callables standing in for the functions the
// peer passed as arguments of its call peerCall.
func (l *Link) proxy(peerCall uint64) func(messaging.Ref) messaging.Func {
	return func(ref messaging.Ref) messaging.Func {
		return func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
			return l.request(ctx, "callback", func(id uint64, wire []messaging.Value) messaging.Message {
				return &messaging.Callback{CallID: peerCall, FunctionRef: ref, ReplyID: id, Args: wire}
			}, args)
		}
	}
}

// Run drives the link until the transport fails, Close is called or ctx
// ends. Every pending call is rejected with ErrConnectionClosed on return.
// Run must be called once.
func (l *Link) Run(ctx context.Context) error {
	defer l.shutdown()

	select {
	case <-l.done:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := l.outbox.Drain(ctx, l.transport); err != nil && !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
			l.logger.Debug("writer stopped", zap.Error(err))
		}
		l.shutdown()
	}()
	go func() {
		select {
		case <-ctx.Done():
			l.shutdown()
		case <-l.done:
		}
	}()

	// handlers outlive a disconnect
	serveCtx := context.WithoutCancel(ctx)

	for {
		frame, err := l.transport.Receive(ctx)
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "receiving frame")
		}
		msg, err := messaging.Decode(frame)
		if err != nil {
			l.logger.Warn("dropping malformed frame", zap.Error(err))
			profiler.RPCDropped.WithLabelValues("malformed").Inc()
			continue
		}
		l.dispatch(serveCtx, msg)
	}
}

func (l *Link) dispatch(ctx context.Context, msg messaging.Message) {
	l.logger.Debug("inbound", zap.Object("message", msg))

	switch m := msg.(type) {
	case *messaging.Call:
		fn, ok := l.functions[m.Function]
		if !ok {
			l.fail(m.CallID, fmt.Sprintf("Unknown Function: %s", m.Function))
			return
		}
		args := unmarshalArgs(m.Args, l.proxy(m.CallID))
		go l.invoke(ctx, "call", m.CallID, fn, args)

	case *messaging.Callback:
		l.mu.Lock()
		p, ok := l.pending[m.CallID]
		l.mu.Unlock()
		if !ok {
			l.fail(m.ReplyID, fmt.Sprintf("Unknown Call: %d", m.CallID))
			return
		}
		fn, ok := p.refs.lookup(m.FunctionRef)
		if !ok {
			l.fail(m.ReplyID, fmt.Sprintf("Unknown Function: %d", m.FunctionRef))
			return
		}
		args := unmarshalArgs(m.Args, l.proxy(m.ReplyID))
		go l.invoke(ctx, "callback", m.ReplyID, fn, args)

	case *messaging.Result:
		l.settle(m.CallID, m.Type(), outcome{value: m.Value})

	case *messaging.Error:
		l.settle(m.CallID, m.Type(), outcome{err: &RemoteError{Message: m.Message}})

	default:
		l.logger.Warn("dropping unexpected message", zap.String("type", string(msg.Type())))
		profiler.RPCDropped.WithLabelValues(string(msg.Type())).Inc()
	}
}

func (l *Link) settle(id uint64, typ messaging.MessageType, o outcome) {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Warn("dropping response for unknown call", zap.Uint64("callId", id), zap.String("type", string(typ)))
		profiler.RPCDropped.WithLabelValues(string(typ)).Inc()
		return
	}
	p.result <- o
}

// invoke runs fn and answers id with exactly one Result or Error.
func (l *Link) invoke(ctx context.Context, kind string, id uint64, fn messaging.Func, args []messaging.Value) {
	value, err := apply(ctx, fn, args)

	var msg messaging.Message
	if err != nil {
		msg = &messaging.Error{CallID: id, Message: err.Error()}
		profiler.RPCCalls.WithLabelValues("inbound", kind, "error").Inc()
	} else {
		msg = &messaging.Result{CallID: id, Value: value}
		profiler.RPCCalls.WithLabelValues("inbound", kind, "ok").Inc()
	}

	frame, err := messaging.Encode(msg)
	if err == nil && len(frame) > l.maxFrame {
		err = errors.Wrapf(ErrTooLarge, "%d bytes", len(frame))
	}
	if err != nil {
		l.logger.Warn("result cannot be encoded", zap.Uint64("callId", id), zap.Error(err))
		frame, err = messaging.Encode(&messaging.Error{CallID: id, Message: err.Error()})
		if err != nil {
			l.logger.Error("encoding error reply", zap.Uint64("callId", id), zap.Error(err))
			return
		}
	}
	l.send(id, frame)
}

func apply(ctx context.Context, fn messaging.Func, args []messaging.Value) (v messaging.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, errors.Errorf("panic: %v", r)
		}
	}()
	v, err = fn(ctx, args...)
	if err == nil && v == nil {
		v = messaging.Null{}
	}
	return
}

func (l *Link) fail(id uint64, message string) {
	l.logger.Warn("rejecting inbound request", zap.Uint64("callId", id), zap.String("reason", message))
	frame, err := messaging.Encode(&messaging.Error{CallID: id, Message: message})
	if err != nil {
		l.logger.Error("encoding error reply", zap.Uint64("callId", id), zap.Error(err))
		return
	}
	l.send(id, frame)
}

func (l *Link) send(id uint64, frame []byte) {
	if !l.outbox.Push(frame) {
		l.logger.Debug("link closed, reply dropped", zap.Uint64("callId", id))
	}
}

// Pending is the number of outbound calls waiting for a response.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close shuts the link and its transport down.
func (l *Link) Close() error {
	l.shutdown()
	return nil
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		pending := l.pending
		l.pending = make(map[uint64]*pendingCall)
		l.mu.Unlock()

		for _, p := range pending {
			p.result <- outcome{err: ErrConnectionClosed}
		}
		l.outbox.Close()
		if err := l.transport.Close(); err != nil {
			l.logger.Debug("closing transport", zap.Error(err))
		}
		close(l.done)
	})
}
