package coordinator

import (
	"context"
	"fmt"

	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/profiler"
	"github.com/focux/alchemy-sub001/transport"

	"go.uber.org/zap"
)

var (
	ErrAlreadyConnected = fmt.Errorf("Already connected")
	ErrNotConnected     = fmt.Errorf("Not connected")
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrStopped          = fmt.Errorf("coordinator stopped")
	ErrTooLarge         = fmt.Errorf("request too large")
)

// Coordinator relays frames between one local connection and any number of
// remote transactions, and brokers public HTTP requests to local. All of
// its state is owned by a single goroutine; handlers talk to it through
// the inbox.
type Coordinator struct {
	parentCtx context.Context
	config    Config
	logger    *zap.Logger
	inbox     chan event
	done      chan struct{}

	// owned by run
	local        *peer
	transactions map[uint64]*peer
	requests     map[uint64]*waiter
	nextTxn      uint64
	nextRequest  uint64
}

func New(conf Config) (*Coordinator, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		parentCtx:    conf.Context,
		config:       conf,
		logger:       conf.Logger,
		inbox:        make(chan event, 64),
		done:         make(chan struct{}),
		transactions: make(map[uint64]*peer),
		requests:     make(map[uint64]*waiter),
	}
	go c.run()

	return c, nil
}

// Done is closed once the coordinator's context ends and its connections
// are released.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) submit(ev event) bool {
	select {
	case c.inbox <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Stats returns a snapshot of the actor's state.
func (c *Coordinator) Stats() Stats {
	reply := make(chan Stats, 1)
	if !c.submit(statsRequest{reply: reply}) {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return Stats{}
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.parentCtx.Done():
			c.logger.Info("coordinator stopping")
			c.dropLocal()
			return
		case ev := <-c.inbox:
			c.handle(ev)
		}
	}
}

// handle runs one turn. It never blocks: every reply channel is buffered
// and every outbound frame goes through a peer's outbox.
func (c *Coordinator) handle(ev event) {
	switch e := ev.(type) {
	case reserveLocal:
		if c.local != nil {
			e.reply <- nil
			return
		}
		c.local = newPeer(0)
		profiler.CoordinatorConnections.WithLabelValues("local", "accepted").Inc()
		e.reply <- c.local

	case localFrame:
		if e.local != c.local {
			return
		}
		c.fromLocal(e.frame)

	case localClosed:
		if e.local != c.local {
			return
		}
		c.dropLocal()

	case reserveTxn:
		if c.local == nil {
			e.reply <- nil
			return
		}
		c.nextTxn++
		p := newPeer(c.nextTxn)
		c.transactions[p.id] = p
		profiler.CoordinatorConnections.WithLabelValues("remote", "accepted").Inc()
		profiler.CoordinatorTransactions.Inc()
		c.logger.Debug("transaction opened", zap.Uint64("txn", p.id))
		e.reply <- p

	case remoteFrame:
		c.fromRemote(e.txn, e.frame)

	case txnClosed:
		p, ok := c.transactions[e.txn]
		if !ok {
			return
		}
		delete(c.transactions, e.txn)
		p.outbox.Close()
		profiler.CoordinatorTransactions.Dec()
		c.logger.Debug("transaction closed", zap.Uint64("txn", e.txn))
		if c.local != nil {
			c.local.outbox.Push(messaging.WrapClosed(e.txn))
		}

	case publicRequest:
		c.forward(e)

	case cancelRequest:
		if _, ok := c.requests[e.waiter.id]; ok {
			delete(c.requests, e.waiter.id)
			c.logger.Debug("public request abandoned", zap.Uint64("id", e.waiter.id))
		}

	case statsRequest:
		e.reply <- Stats{
			LocalConnected: c.local != nil,
			Transactions:   len(c.transactions),
			Requests:       len(c.requests),
			NextTxn:        c.nextTxn,
			NextRequest:    c.nextRequest,
		}

	default:
		c.logger.Error("unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (c *Coordinator) fromLocal(frame []byte) {
	env, err := messaging.Unwrap(frame)
	if err != nil {
		c.logger.Warn("dropping malformed frame from local", zap.Error(err))
		profiler.CoordinatorRelayed.WithLabelValues("to_remote", "malformed").Inc()
		return
	}

	if env.Txn == messaging.CoordinatorTxn {
		c.resolve(env)
		return
	}

	p, ok := c.transactions[env.Txn]
	if !ok {
		c.logger.Warn("dropping frame for unknown transaction", zap.Uint64("txn", env.Txn))
		profiler.CoordinatorRelayed.WithLabelValues("to_remote", "unknown").Inc()
		return
	}
	if env.Closed {
		c.logger.Debug("local ended transaction", zap.Uint64("txn", env.Txn))
		p.outbox.Close()
		return
	}
	p.outbox.Push([]byte(env.Msg))
	profiler.CoordinatorRelayed.WithLabelValues("to_remote", "ok").Inc()
}

// resolve completes the public request a response frame answers. Only the
// type and id are read until a waiter is found.
func (c *Coordinator) resolve(env messaging.Envelope) {
	typ, id, err := messaging.Peek(env.Msg)
	if err != nil {
		c.logger.Warn("dropping malformed coordinator message", zap.Error(err))
		return
	}
	if typ != messaging.MessageHTTPResponse {
		c.logger.Warn("dropping unexpected coordinator message", zap.String("type", string(typ)))
		return
	}
	w, ok := c.requests[id]
	if !ok {
		c.logger.Warn("dropping response for unknown request", zap.Uint64("id", id))
		return
	}
	delete(c.requests, id)

	msg, err := messaging.Decode(env.Msg)
	if err != nil {
		c.logger.Warn("malformed response for request", zap.Uint64("id", id), zap.Error(err))
		w.result <- outcome{err: err}
		return
	}
	w.result <- outcome{resp: msg.(*messaging.HTTPResponse)}
}

func (c *Coordinator) fromRemote(txn uint64, frame []byte) {
	if _, ok := c.transactions[txn]; !ok {
		c.logger.Warn("dropping frame from closed transaction", zap.Uint64("txn", txn))
		return
	}
	if c.local == nil {
		profiler.CoordinatorRelayed.WithLabelValues("to_local", "disconnected").Inc()
		return
	}
	if len(frame) > transport.MaxFrameSize {
		c.logger.Warn("ending transaction with oversized frame", zap.Uint64("txn", txn), zap.Int("size", len(frame)))
		profiler.CoordinatorRelayed.WithLabelValues("to_local", "too_large").Inc()
		c.handle(txnClosed{txn: txn})
		return
	}
	b, err := messaging.Wrap(txn, frame)
	if err != nil {
		c.logger.Warn("dropping malformed frame from remote", zap.Uint64("txn", txn), zap.Error(err))
		profiler.CoordinatorRelayed.WithLabelValues("to_local", "malformed").Inc()
		return
	}
	c.local.outbox.Push(b)
	profiler.CoordinatorRelayed.WithLabelValues("to_local", "ok").Inc()
}

func (c *Coordinator) forward(e publicRequest) {
	if c.local == nil {
		e.waiter.result <- outcome{err: ErrNotConnected}
		return
	}
	c.nextRequest++
	e.waiter.id = c.nextRequest
	e.req.ID = e.waiter.id

	frame, err := messaging.Encode(e.req)
	if err == nil {
		frame, err = messaging.Wrap(messaging.CoordinatorTxn, frame)
	}
	if err != nil {
		e.waiter.result <- outcome{err: err}
		return
	}
	if len(frame) > transport.MessageSizeLimit {
		e.waiter.result <- outcome{err: ErrTooLarge}
		return
	}
	// registered before the frame can reach local
	c.requests[e.waiter.id] = e.waiter
	c.local.outbox.Push(frame)
}

// dropLocal rejects every outstanding request and ends every transaction.
func (c *Coordinator) dropLocal() {
	if c.local == nil {
		return
	}
	c.logger.Info("local disconnected",
		zap.Int("requests", len(c.requests)),
		zap.Int("transactions", len(c.transactions)),
	)
	for id, w := range c.requests {
		w.result <- outcome{err: ErrConnectionClosed}
		delete(c.requests, id)
	}
	for id, p := range c.transactions {
		p.outbox.Close()
		delete(c.transactions, id)
		profiler.CoordinatorTransactions.Dec()
	}
	c.local.outbox.Close()
	c.local = nil
}
