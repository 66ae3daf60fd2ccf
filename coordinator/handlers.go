package coordinator

import (
	"context"
	"net/http"

	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/profiler"
	"github.com/focux/alchemy-sub001/shared"
	"github.com/focux/alchemy-sub001/transport"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PublicHandler serves the local peer's endpoint, health and every public
// request. Remote calls are not accepted here.
func (c *Coordinator) PublicHandler() http.Handler {
	var public http.Handler = http.HandlerFunc(c.handlePublic)
	if c.config.Debug {
		public = requestlog.Wrap(public)
	}

	r := chi.NewRouter()
	r.HandleFunc(shared.ListenPath, c.handleListen)
	r.HandleFunc(shared.CallPath, http.NotFound)
	r.Get(shared.HealthPath, c.handleHealth)
	r.Handle("/*", public)
	return r
}

// InternalHandler serves only the remote peers' endpoint.
func (c *Coordinator) InternalHandler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc(shared.CallPath, c.handleCall)
	return r
}

func (c *Coordinator) await(reply chan *peer) *peer {
	select {
	case p := <-reply:
		return p
	case <-c.done:
		return nil
	}
}

func (c *Coordinator) handleListen(w http.ResponseWriter, r *http.Request) {
	logger := c.logger.With(zap.String("role", "local"), zap.String("remoteAddr", r.RemoteAddr))

	if status := transport.CheckHandshake(r, c.config.Token); status != 0 {
		logger.Warn("rejecting handshake", zap.Int("status", status))
		profiler.CoordinatorConnections.WithLabelValues("local", http.StatusText(status)).Inc()
		transport.Reject(w, status, "")
		return
	}

	reply := make(chan *peer, 1)
	if !c.submit(reserveLocal{reply: reply}) {
		transport.Reject(w, http.StatusServiceUnavailable, ErrStopped.Error())
		return
	}
	p := c.await(reply)
	if p == nil {
		logger.Warn("rejecting second local connection")
		profiler.CoordinatorConnections.WithLabelValues("local", "conflict").Inc()
		transport.Reject(w, http.StatusConflict, ErrAlreadyConnected.Error())
		return
	}

	conn, err := transport.Accept(w, r)
	if err != nil {
		logger.Error("upgrading local connection", zap.Error(err))
		c.submit(localClosed{local: p})
		return
	}
	logger.Info("local connected")

	c.pump(conn, p, func(b []byte) event {
		return localFrame{local: p, frame: b}
	})
	c.submit(localClosed{local: p})

	sent, received := conn.Stats()
	logger.Info("local disconnected",
		zap.String("sent", sizestr.ToString(int64(sent))),
		zap.String("received", sizestr.ToString(int64(received))),
	)
}

func (c *Coordinator) handleCall(w http.ResponseWriter, r *http.Request) {
	logger := c.logger.With(zap.String("role", "remote"), zap.String("remoteAddr", r.RemoteAddr))

	if status := transport.CheckHandshake(r, c.config.Token); status != 0 {
		logger.Warn("rejecting handshake", zap.Int("status", status))
		profiler.CoordinatorConnections.WithLabelValues("remote", http.StatusText(status)).Inc()
		transport.Reject(w, status, "")
		return
	}

	reply := make(chan *peer, 1)
	if !c.submit(reserveTxn{reply: reply}) {
		transport.Reject(w, http.StatusServiceUnavailable, ErrStopped.Error())
		return
	}
	p := c.await(reply)
	if p == nil {
		logger.Warn("rejecting call without local")
		profiler.CoordinatorConnections.WithLabelValues("remote", "unavailable").Inc()
		transport.Reject(w, http.StatusServiceUnavailable, ErrNotConnected.Error())
		return
	}
	logger = logger.With(zap.Uint64("txn", p.id))

	conn, err := transport.Accept(w, r)
	if err != nil {
		logger.Error("upgrading remote connection", zap.Error(err))
		c.submit(txnClosed{txn: p.id})
		return
	}
	logger.Debug("remote connected")

	c.pump(conn, p, func(b []byte) event {
		return remoteFrame{txn: p.id, frame: b}
	})
	c.submit(txnClosed{txn: p.id})

	sent, received := conn.Stats()
	logger.Debug("remote disconnected",
		zap.String("sent", sizestr.ToString(int64(sent))),
		zap.String("received", sizestr.ToString(int64(received))),
	)
}

// pump drains p's outbox into conn and submits every inbound frame until
// either side closes.
func (c *Coordinator) pump(conn *transport.Conn, p *peer, inbound func([]byte) event) {
	ctx, cancel := context.WithCancel(c.parentCtx)
	defer cancel()

	go func() {
		if err := p.outbox.Drain(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.Debug("outbox stopped", zap.Uint64("peer", p.id), zap.Error(err))
		}
		conn.Close()
	}()

	for {
		b, err := conn.Receive(ctx)
		if err != nil {
			break
		}
		if !c.submit(inbound(b)) {
			break
		}
	}
	conn.Close()
}

func (c *Coordinator) handlePublic(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, c.config.MaxBodySize)
	req, err := messaging.NewHTTPRequest(0, r)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.logger.Warn("rejecting oversized public request", zap.Int64("limit", tooLarge.Limit))
		c.respond(w, http.StatusRequestEntityTooLarge, ErrTooLarge.Error())
		return
	}
	if err != nil {
		c.logger.Warn("reading public request", zap.Error(err))
		c.respond(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	wt := &waiter{result: make(chan outcome, 1)}
	if !c.submit(publicRequest{req: req, waiter: wt}) {
		c.respond(w, http.StatusServiceUnavailable, ErrStopped.Error())
		return
	}

	select {
	case o := <-wt.result:
		switch {
		case o.err == ErrNotConnected:
			c.respond(w, http.StatusServiceUnavailable, o.err.Error())
		case o.err == ErrTooLarge:
			c.respond(w, http.StatusRequestEntityTooLarge, o.err.Error())
		case o.err != nil:
			c.respond(w, http.StatusBadGateway, o.err.Error())
		default:
			if err := o.resp.Write(w); err != nil {
				c.logger.Warn("writing public response", zap.Error(err))
			}
			profiler.PublicRequests.WithLabelValues(profiler.StatusClass(o.resp.Status)).Inc()
		}
	case <-r.Context().Done():
		c.submit(cancelRequest{waiter: wt})
		profiler.PublicRequests.WithLabelValues("abandoned").Inc()
	case <-c.done:
		c.respond(w, http.StatusServiceUnavailable, ErrStopped.Error())
	}
}

func (c *Coordinator) respond(w http.ResponseWriter, status int, text string) {
	profiler.PublicRequests.WithLabelValues(profiler.StatusClass(status)).Inc()
	http.Error(w, text, status)
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(c.Stats()); err != nil {
		c.logger.Warn("writing health", zap.Error(err))
	}
}
