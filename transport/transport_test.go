package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func echoServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := CheckHandshake(r, token); status != 0 {
			Reject(w, status, "")
			return
		}
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			b, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			if err := conn.Send(context.Background(), b); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQueueOrderAndClose(t *testing.T) {
	q := NewQueue()
	for _, s := range []string{"a", "b", "c"} {
		require.True(t, q.Push([]byte(s)))
	}

	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		b, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, s, string(b))
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	q.Close()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on close")
	}
	assert.False(t, q.Push([]byte("late")))
}

func TestLargestBodyFitsInEnvelope(t *testing.T) {
	frame := base64.StdEncoding.EncodedLen(MaxBodySize) + headerAllowance
	assert.LessOrEqual(t, frame, MaxFrameSize)
	assert.LessOrEqual(t, frame+envelopeAllowance, MessageSizeLimit)
	assert.Greater(t, MaxBodySize, 32*1024*1024)
}

func TestCheckHandshake(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/__bridge/listen", nil)
	assert.Equal(t, http.StatusUnauthorized, CheckHandshake(r, "secret"))

	r.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, CheckHandshake(r, "secret"))

	r.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusUpgradeRequired, CheckHandshake(r, "secret"))

	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.Equal(t, 0, CheckHandshake(r, "secret"))
}

func TestDialEcho(t *testing.T) {
	srv := echoServer(t, "secret")
	d := &Dialer{Logger: zaptest.NewLogger(t), URL: srv.URL, Token: "secret"}

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, conn.Send(ctx, []byte(`{"type":"x"}`)))
	b, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"x"}`, string(b))
}

func TestDialUnauthorizedIsPermanent(t *testing.T) {
	srv := echoServer(t, "secret")
	d := &Dialer{
		Logger: zaptest.NewLogger(t),
		URL:    srv.URL,
		Token:  "nope",
		Retry:  RetryPolicy{MaxAttempts: -1, Min: time.Millisecond, Max: time.Millisecond},
	}
	_, err := d.Dial(context.Background())
	var he *HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnauthorized, he.Status)
}

func TestDialRetriesTransientRejections(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			Reject(w, http.StatusServiceUnavailable, "Not connected")
			return
		}
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	d := &Dialer{
		Logger: zaptest.NewLogger(t),
		URL:    srv.URL,
		Retry:  RetryPolicy{MaxAttempts: 5, Min: time.Millisecond, Max: 5 * time.Millisecond},
	}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		Reject(w, http.StatusServiceUnavailable, "Not connected")
	}))
	defer srv.Close()

	d := &Dialer{
		Logger: zaptest.NewLogger(t),
		URL:    srv.URL,
		Retry:  RetryPolicy{MaxAttempts: 2, Min: time.Millisecond, Max: time.Millisecond},
	}
	_, err := d.Dial(context.Background())
	var he *HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "Not connected", he.Reason)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestPendingBecomesReady(t *testing.T) {
	srv := echoServer(t, "secret")
	p := Connect(context.Background(), &Dialer{Logger: zaptest.NewLogger(t), URL: srv.URL, Token: "secret"})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Send(ctx, []byte(`{}`)))
	select {
	case <-p.Ready():
	default:
		t.Fatal("send succeeded before ready")
	}
	b, err := p.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(b))
}

func TestPendingDialFailure(t *testing.T) {
	srv := echoServer(t, "secret")
	p := Connect(context.Background(), &Dialer{Logger: zaptest.NewLogger(t), URL: srv.URL, Token: "bad"})
	defer p.Close()

	_, err := p.Receive(context.Background())
	require.Error(t, err)
	assert.Error(t, p.Err())
}
