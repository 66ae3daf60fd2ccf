package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/rpc"
	"github.com/focux/alchemy-sub001/shared"
	"github.com/focux/alchemy-sub001/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	Logger *zap.Logger
	// Coordinator is the base URL of the coordinator's public address.
	Coordinator string
	Token       string
	Handlers    Handlers
	// Forwarder receives public requests tunnelled by the coordinator. When
	// nil they are served by Handlers.Fetch, or answered with 502.
	Forwarder *Forwarder
	Retry     transport.RetryPolicy
	// Reconnect dials again after the coordinator connection drops.
	Reconnect bool
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("nil logger is invalid")
	}
	if c.Coordinator == "" {
		return errors.New("empty coordinator url is invalid")
	}
	if c.Token == "" {
		return errors.New("empty token is invalid")
	}
	return nil
}

// Session is the local peer. Every coordinator transaction gets its own
// link; public requests arrive on the coordinator transaction.
type Session struct {
	config    Config
	logger    *zap.Logger
	functions rpc.Functions

	mu           sync.Mutex
	transactions map[uint64]*transaction
	connected    chan struct{}
}

type transaction struct {
	link *rpc.Link
	end  *transport.PipeEnd
}

func NewSession(conf Config) (*Session, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &Session{
		config:       conf,
		logger:       conf.Logger,
		functions:    conf.Handlers.Functions(),
		transactions: make(map[uint64]*transaction),
		connected:    make(chan struct{}),
	}, nil
}

// Connected is closed after the first successful dial.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

// Transactions is the number of open remote transactions.
func (s *Session) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// Run serves until ctx ends. Without Reconnect it returns once the
// coordinator connection drops.
func (s *Session) Run(ctx context.Context) error {
	if !s.config.Reconnect {
		return s.runOnce(ctx)
	}

	b := s.config.Retry.Backoff()
	for {
		start := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var he *transport.HandshakeError
		if errors.As(err, &he) && he.Permanent() {
			return err
		}
		if time.Since(start) > b.Max {
			b.Reset()
		}
		wait := b.Duration()
		s.logger.Warn("coordinator connection lost, reconnecting", zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	d := &transport.Dialer{
		Logger: s.logger,
		URL:    strings.TrimSuffix(s.config.Coordinator, "/") + shared.ListenPath,
		Token:  s.config.Token,
		Retry:  s.config.Retry,
	}
	conn, err := d.Dial(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("connected to coordinator", zap.String("coordinator", s.config.Coordinator))
	s.mu.Lock()
	select {
	case <-s.connected:
	default:
		close(s.connected)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := transport.NewQueue()
	defer out.Close()
	go func() {
		if err := out.Drain(ctx, conn); err != nil && ctx.Err() == nil {
			s.logger.Debug("writer stopped", zap.Error(err))
		}
		conn.Close()
	}()
	defer s.closeTransactions()

	for {
		b, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "coordinator connection")
		}
		env, err := messaging.Unwrap(b)
		if err != nil {
			s.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		if env.Txn == messaging.CoordinatorTxn {
			go s.serveHTTP(ctx, out, env.Msg)
			continue
		}
		if env.Closed {
			s.closeTransaction(env.Txn)
			continue
		}
		t := s.transaction(ctx, env.Txn, out)
		if err := t.end.Send(ctx, env.Msg); err != nil {
			s.logger.Debug("transaction already closed", zap.Uint64("txn", env.Txn), zap.Error(err))
		}
	}
}

// transaction returns the link serving txn, starting one on first use.
func (s *Session) transaction(ctx context.Context, txn uint64, out *transport.Queue) *transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transactions[txn]; ok {
		return t
	}

	logger := s.logger.With(zap.Uint64("txn", txn))
	near, far := transport.Pipe()
	t := &transaction{
		link: rpc.NewLink(logger, far, s.functions),
		end:  near,
	}
	s.transactions[txn] = t
	logger.Debug("transaction opened")

	go func() {
		if err := t.link.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Debug("link stopped", zap.Error(err))
		}
	}()
	go func() {
		for {
			b, err := near.Receive(ctx)
			if err != nil {
				return
			}
			frame, err := messaging.Wrap(txn, b)
			if err != nil {
				logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			out.Push(frame)
		}
	}()
	return t
}

func (s *Session) closeTransaction(txn uint64) {
	s.mu.Lock()
	t, ok := s.transactions[txn]
	delete(s.transactions, txn)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Debug("transaction closed", zap.Uint64("txn", txn))
	t.end.Close()
}

func (s *Session) closeTransactions() {
	s.mu.Lock()
	txns := s.transactions
	s.transactions = make(map[uint64]*transaction)
	s.mu.Unlock()
	for _, t := range txns {
		t.end.Close()
	}
}

func (s *Session) serveHTTP(ctx context.Context, out *transport.Queue, raw []byte) {
	msg, err := messaging.Decode(raw)
	if err != nil {
		s.logger.Warn("dropping malformed coordinator message", zap.Error(err))
		return
	}
	req, ok := msg.(*messaging.HTTPRequest)
	if !ok {
		s.logger.Warn("dropping unexpected coordinator message", zap.String("type", string(msg.Type())))
		return
	}

	resp := s.respond(ctx, req)
	resp.ID = req.ID

	frame, err := encodeResponse(resp)
	if err == nil && len(frame) > transport.MessageSizeLimit {
		s.logger.Warn("response too large to tunnel", zap.Uint64("id", req.ID), zap.Int("size", len(frame)))
		frame, err = encodeResponse(messaging.ErrorResponse(req.ID, http.StatusBadGateway, "response too large"))
	}
	if err != nil {
		s.logger.Error("encoding response", zap.Uint64("id", req.ID), zap.Error(err))
		return
	}
	out.Push(frame)
}

func encodeResponse(resp *messaging.HTTPResponse) ([]byte, error) {
	frame, err := messaging.Encode(resp)
	if err != nil {
		return nil, err
	}
	return messaging.Wrap(messaging.CoordinatorTxn, frame)
}

func (s *Session) respond(ctx context.Context, req *messaging.HTTPRequest) *messaging.HTTPResponse {
	if s.config.Forwarder != nil {
		return s.config.Forwarder.Forward(ctx, req)
	}
	fetch, ok := s.functions[rpc.HandlerFetch]
	if !ok {
		return messaging.ErrorResponse(req.ID, http.StatusBadGateway, "no local server")
	}
	v, err := fetch(ctx, req.Value())
	if err != nil {
		return messaging.ErrorResponse(req.ID, http.StatusInternalServerError, err.Error())
	}
	resp, err := messaging.HTTPResponseOf(v)
	if err != nil {
		return messaging.ErrorResponse(req.ID, http.StatusBadGateway, err.Error())
	}
	return resp
}
