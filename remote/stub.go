// Package remote is the deployed side of the bridge. Instead of handling
// platform events itself, a Stub forwards each one through the coordinator
// to the local peer and returns what the local handler produced.
package remote

import (
	"context"
	"net/http"
	"strings"

	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/rpc"
	"github.com/focux/alchemy-sub001/shared"
	"github.com/focux/alchemy-sub001/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	Logger *zap.Logger
	// Coordinator is the base URL of the coordinator's internal address.
	Coordinator string
	Token       string
	Retry       transport.RetryPolicy
	// MaxBodySize caps event bodies; larger events get 413. Zero means
	// transport.MaxBodySize.
	MaxBodySize int64
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
	if c.MaxBodySize < 0 {
		return errors.New("negative body size is invalid")
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = transport.MaxBodySize
	}
	return nil
}

type Stub struct {
	config Config
	logger *zap.Logger
}

var _ rpc.Caller = &Stub{}

func New(conf Config) (*Stub, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &Stub{
		config: conf,
		logger: conf.Logger,
	}, nil
}

// Invoke opens a transaction, calls name on the local peer and closes the
// transaction once the call settles. Functions among args stay callable by
// the local peer until then.
func (s *Stub) Invoke(ctx context.Context, name string, args ...messaging.Value) (messaging.Value, error) {
	pending := transport.Connect(ctx, &transport.Dialer{
		Logger: s.logger,
		URL:    strings.TrimSuffix(s.config.Coordinator, "/") + shared.CallPath,
		Token:  s.config.Token,
		Retry:  s.config.Retry,
	})

	link := rpc.NewLink(s.logger.With(zap.String("function", name)), pending, nil)
	defer link.Close()
	go func() {
		if err := link.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debug("transaction ended", zap.String("function", name), zap.Error(err))
		}
	}()

	v, err := link.Call(ctx, name, args...)
	if errors.Is(err, rpc.ErrConnectionClosed) {
		if dialErr := pending.Err(); dialErr != nil {
			return nil, errors.Wrap(dialErr, "connecting to coordinator")
		}
	}
	return v, err
}

func (s *Stub) Call(ctx context.Context, name string, args ...messaging.Value) (messaging.Value, error) {
	return s.Invoke(ctx, name, args...)
}

// ServeHTTP forwards a platform HTTP event to the local fetch handler.
func (s *Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	req, err := messaging.NewHTTPRequest(0, r)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, "unable to read request body", http.StatusBadRequest)
		return
	}
	resp, err := rpc.Fetch(r.Context(), s, req)
	if err != nil {
		s.logger.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
		status := http.StatusBadGateway
		var he *transport.HandshakeError
		if errors.As(err, &he) && he.Status == http.StatusServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	if err := resp.Write(w); err != nil {
		s.logger.Warn("writing response", zap.Error(err))
	}
}

func (s *Stub) Queue(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	return rpc.Queue(ctx, s, args...)
}

func (s *Stub) Scheduled(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	return rpc.Scheduled(ctx, s, args...)
}

func (s *Stub) Email(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	return rpc.Email(ctx, s, args...)
}

func (s *Stub) Tail(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	return rpc.Tail(ctx, s, args...)
}

func (s *Stub) Trace(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	return rpc.Trace(ctx, s, args...)
}

func (s *Stub) Test(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	return rpc.Test(ctx, s, args...)
}
