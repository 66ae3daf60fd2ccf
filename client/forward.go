package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/profiler"
	"github.com/focux/alchemy-sub001/transport"

	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Forwarder replays tunnelled requests against the local dev server.
type Forwarder struct {
	logger *zap.Logger
	target *url.URL
	client *http.Client
	pool   *bufferPool
	// maxBody caps local response bodies so the encoded response fits in
	// one frame.
	maxBody int64
}

func NewForwarder(logger *zap.Logger, target string) (*Forwarder, error) {
	if logger == nil {
		return nil, errors.New("nil logger is invalid")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(err, "parsing local server url")
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, errors.Errorf("unsupported scheme %q. valid schemes: http, https", u.Scheme)
	}
	return &Forwarder{
		logger: logger.With(zap.String("target", u.String())),
		target: u,
		client: &http.Client{
			Timeout: 5 * time.Minute,
			// redirects belong to the public caller
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pool:    newBufferPool(),
		maxBody: transport.MaxBodySize,
	}, nil
}

// Forward never fails: errors become 502 responses.
func (f *Forwarder) Forward(ctx context.Context, req *messaging.HTTPRequest) *messaging.HTTPResponse {
	resp, err := f.do(ctx, req)
	if err != nil {
		f.logger.Warn("forwarding to local server", zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(err))
		profiler.LocalForwards.WithLabelValues("error").Inc()
		return messaging.ErrorResponse(req.ID, http.StatusBadGateway, err.Error())
	}
	profiler.LocalForwards.WithLabelValues(profiler.StatusClass(resp.Status)).Inc()
	return resp
}

func (f *Forwarder) do(ctx context.Context, req *messaging.HTTPRequest) (*messaging.HTTPResponse, error) {
	r, err := req.Build(ctx, f.target)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(r)
	if err != nil {
		return nil, errors.Wrap(err, "requesting local server")
	}
	defer resp.Body.Close()

	body := f.pool.Get()
	defer f.pool.Put(body)

	n, err := body.ReadFrom(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading local response")
	}
	if n > f.maxBody {
		return nil, errors.Errorf("local response exceeds %s", sizestr.ToString(f.maxBody))
	}
	f.logger.Debug("forwarded",
		zap.String("method", req.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.String("size", sizestr.ToString(n)),
	)

	out, err := messaging.NewHTTPResponse(req.ID, &http.Response{StatusCode: resp.StatusCode, Header: resp.Header})
	if err != nil {
		return nil, err
	}
	out.Body = messaging.EncodeBody(body.Bytes())
	return out, nil
}

// Fetch is a fetch handler backed by the forwarder.
func (f *Forwarder) Fetch(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
	if len(args) == 0 {
		return nil, errors.New("fetch expects a request")
	}
	req, err := messaging.HTTPRequestOf(args[0])
	if err != nil {
		return nil, err
	}
	return f.Forward(ctx, req).Value(), nil
}
