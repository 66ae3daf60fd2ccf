package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RetryPolicy controls how often a failed dial is retried. A zero policy
// dials exactly once.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first failure.
	// Negative means retry until the context ends.
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool
}

// DefaultRetryPolicy retries forever with capped exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: -1,
	Min:         100 * time.Millisecond,
	Max:         10 * time.Second,
	Factor:      2,
	Jitter:      true,
}

// Backoff builds the backoff state for one dial sequence.
func (p RetryPolicy) Backoff() *backoff.Backoff {
	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}
	if b.Min <= 0 {
		b.Min = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	return b
}

// exhausted reports whether attempt retries used up the policy.
func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts >= 0 && attempt >= p.MaxAttempts
}

// Dialer opens websocket transports to a coordinator endpoint.
type Dialer struct {
	Logger *zap.Logger
	// URL of the endpoint; http(s) schemes are rewritten to ws(s).
	URL   string
	Token string
	Retry RetryPolicy
	// HandshakeTimeout defaults to 45 seconds.
	HandshakeTimeout time.Duration
}

func (d *Dialer) validate() error {
	if d.Logger == nil {
		return errors.New("nil logger is invalid")
	}
	if d.URL == "" {
		return errors.New("empty url is invalid")
	}
	return nil
}

// WebsocketURL rewrites an http(s) URL to its ws(s) equivalent.
func WebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parsing endpoint url")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (d *Dialer) dialOnce(ctx context.Context, target string) (*Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	wd := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	headers := http.Header{}
	if d.Token != "" {
		headers.Set("Authorization", "Bearer "+d.Token)
	}
	ws, resp, err := wd.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			reason, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return nil, &HandshakeError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(reason))}
		}
		return nil, errors.Wrap(err, "dialing websocket")
	}
	return NewConn(ws), nil
}

// Dial connects, retrying under the policy. Permanent handshake rejections
// are returned immediately.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	target, err := WebsocketURL(d.URL)
	if err != nil {
		return nil, err
	}
	b := d.Retry.Backoff()
	for {
		conn, err := d.dialOnce(ctx, target)
		if err == nil {
			return conn, nil
		}
		var he *HandshakeError
		if errors.As(err, &he) && he.Permanent() {
			return nil, err
		}
		attempt := int(b.Attempt())
		if d.Retry.exhausted(attempt) {
			return nil, err
		}
		wait := b.Duration()
		d.Logger.Debug("dial failed, retrying", zap.Error(err), zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Pending is a Transport whose connection is still being dialed. Frames
// may be queued by the caller before Ready fires.
type Pending struct {
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *Conn
	err  error
}

var _ Transport = &Pending{}

// Connect starts dialing in the background.
func Connect(ctx context.Context, d *Dialer) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pending{
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		conn, err := d.Dial(ctx)
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.err = err
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			return
		}
		select {
		case <-p.done:
			conn.Close()
			return
		default:
		}
		p.conn = conn
		close(p.ready)
	}()
	return p
}

func (p *Pending) Ready() <-chan struct{} {
	return p.ready
}

func (p *Pending) wait(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ready:
		return p.conn, nil
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn != nil {
			return p.conn, nil
		}
		if p.err != nil {
			return nil, p.err
		}
		return nil, ErrClosed
	}
}

func (p *Pending) Send(ctx context.Context, frame []byte) error {
	conn, err := p.wait(ctx)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

func (p *Pending) Receive(ctx context.Context) ([]byte, error) {
	conn, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Receive(ctx)
}

// Err is the dial error, if dialing failed.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pending) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
