package coordinator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/focux/alchemy-sub001/client"
	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/remote"
	"github.com/focux/alchemy-sub001/rpc"
	"github.com/focux/alchemy-sub001/shared"
	"github.com/focux/alchemy-sub001/transport"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testToken = "correct-horse-battery-staple"

// peers keep logging after a test returns, so background components log to
// an observer rather than to t.
func observedLogger() *zap.Logger {
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

type harness struct {
	coordinator *Coordinator
	public      *httptest.Server
	internal    *httptest.Server
	logs        *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	core, logs := observer.New(zap.DebugLevel)
	conf := Config{
		Context: ctx,
		Logger:  zap.New(core),
		Token:   testToken,
	}
	for _, o := range opts {
		o(&conf)
	}
	c, err := New(conf)
	require.NoError(t, err)

	h := &harness{
		coordinator: c,
		public:      httptest.NewServer(c.PublicHandler()),
		internal:    httptest.NewServer(c.InternalHandler()),
		logs:        logs,
	}
	t.Cleanup(h.public.Close)
	t.Cleanup(h.internal.Close)
	t.Cleanup(cancel)
	return h
}

// connectLocal runs a local session until the returned cancel is called.
func (h *harness) connectLocal(t *testing.T, handlers client.Handlers) context.CancelFunc {
	t.Helper()
	s, err := client.NewSession(client.Config{
		Logger:      observedLogger(),
		Coordinator: h.public.URL,
		Token:       testToken,
		Handlers:    handlers,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	select {
	case <-s.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("local did not connect")
	}
	require.True(t, h.coordinator.Stats().LocalConnected)
	return cancel
}

func (h *harness) stub(t *testing.T) *remote.Stub {
	t.Helper()
	s, err := remote.New(remote.Config{
		Logger:      observedLogger(),
		Coordinator: h.internal.URL,
		Token:       testToken,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) waitLocalGone(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.coordinator.Stats().LocalConnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Logger: zaptest.NewLogger(t), Token: "x"})
	assert.Error(t, err)
	_, err = New(Config{Context: context.Background(), Token: "x"})
	assert.Error(t, err)
	_, err = New(Config{Context: context.Background(), Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)
	_, err = New(Config{Context: context.Background(), Logger: zaptest.NewLogger(t), Token: "x", MaxBodySize: -1})
	assert.Error(t, err)
}

func TestRemoteCallReachesLocal(t *testing.T) {
	h := newHarness(t)
	h.connectLocal(t, client.Handlers{
		Extra: rpc.Functions{
			"ping": func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
				return messaging.String("pong"), nil
			},
		},
	})

	v, err := h.stub(t).Invoke(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, messaging.String("pong"), v)

	require.Eventually(t, func() bool {
		return h.coordinator.Stats().Transactions == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCallbackRoundTripsThroughCoordinator(t *testing.T) {
	h := newHarness(t)
	h.connectLocal(t, client.Handlers{
		Extra: rpc.Functions{
			"twice": func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
				fn, ok := args[0].(messaging.Func)
				if !ok {
					return nil, errors.New("twice expects a function")
				}
				first, err := fn(ctx, messaging.Number(1))
				if err != nil {
					return nil, err
				}
				second, err := fn(ctx, first)
				if err != nil {
					return nil, err
				}
				return second, nil
			},
		},
	})

	var mu sync.Mutex
	var calls []float64
	inc := messaging.Func(func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
		n, _ := messaging.NumberOf(args[0])
		mu.Lock()
		calls = append(calls, n)
		mu.Unlock()
		return messaging.Number(n + 10), nil
	})

	v, err := h.stub(t).Invoke(context.Background(), "twice", inc)
	require.NoError(t, err)
	assert.Equal(t, messaging.Number(21), v)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 11}, calls)
}

func TestPublicRequestIsBrokeredToLocal(t *testing.T) {
	h := newHarness(t)

	seen := make(chan []string, 1)
	h.connectLocal(t, client.Handlers{
		Fetch: func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
			req, err := messaging.HTTPRequestOf(args[0])
			if err != nil {
				return nil, err
			}
			seen <- req.Headers.Values("a")
			return (&messaging.HTTPResponse{
				Status:  http.StatusOK,
				Headers: messaging.Headers{{"x", "1"}},
				Body:    messaging.EncodeBody([]byte("hi")),
			}).Value(), nil
		},
	})

	req, err := http.NewRequest(http.MethodGet, h.public.URL+"/y", nil)
	require.NoError(t, err)
	req.Header.Add("a", "1")
	req.Header.Add("a", "2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("x"))
	assert.Equal(t, "hi", string(body))
	assert.Equal(t, []string{"1", "2"}, <-seen)
	assert.Equal(t, 0, h.coordinator.Stats().Requests)
}

func TestOversizedPublicRequestIsRejected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxBodySize = 1024 })
	h.connectLocal(t, client.Handlers{
		Fetch: func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
			req, err := messaging.HTTPRequestOf(args[0])
			if err != nil {
				return nil, err
			}
			body, err := messaging.DecodeBody(req.Body)
			if err != nil {
				return nil, err
			}
			return (&messaging.HTTPResponse{
				Status: http.StatusOK,
				Body:   messaging.EncodeBody([]byte(strconv.Itoa(len(body)))),
			}).Value(), nil
		},
	})

	resp, err := http.Post(h.public.URL+"/upload", "application/octet-stream", bytes.NewReader(make([]byte, 2048)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.True(t, h.coordinator.Stats().LocalConnected)
	assert.Equal(t, 0, h.coordinator.Stats().Requests)

	resp, err = http.Post(h.public.URL+"/upload", "application/octet-stream", bytes.NewReader(make([]byte, 1024)))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1024", string(body))
}

// dialRawLocal connects as the local peer without a session, so tests can
// write envelopes directly.
func (h *harness) dialRawLocal(t *testing.T) *transport.Conn {
	t.Helper()
	d := &transport.Dialer{
		Logger: observedLogger(),
		URL:    h.public.URL + shared.ListenPath,
		Token:  testToken,
	}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool {
		return h.coordinator.Stats().LocalConnected
	}, 5*time.Second, 10*time.Millisecond)
	return conn
}

func sendWrapped(t *testing.T, conn *transport.Conn, txn uint64, m messaging.Message) {
	t.Helper()
	frame, err := messaging.Encode(m)
	require.NoError(t, err)
	env, err := messaging.Wrap(txn, frame)
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), env))
}

func TestLocalFramesWithUnknownRoutesAreDropped(t *testing.T) {
	h := newHarness(t)
	conn := h.dialRawLocal(t)

	sendWrapped(t, conn, 99, &messaging.Call{CallID: 1, Function: "ping"})
	sendWrapped(t, conn, messaging.CoordinatorTxn, &messaging.HTTPResponse{ID: 42, Status: http.StatusOK})
	sendWrapped(t, conn, messaging.CoordinatorTxn, &messaging.Result{CallID: 7, Value: messaging.Null{}})
	require.NoError(t, conn.Send(context.Background(), []byte("not an envelope")))

	for _, msg := range []string{
		"dropping frame for unknown transaction",
		"dropping response for unknown request",
		"dropping unexpected coordinator message",
		"dropping malformed frame from local",
	} {
		require.Eventually(t, func() bool {
			return h.logs.FilterMessage(msg).Len() == 1
		}, 5*time.Second, 10*time.Millisecond, msg)
	}
	assert.Equal(t, uint64(99), h.logs.FilterMessage("dropping frame for unknown transaction").All()[0].ContextMap()["txn"])
	assert.Equal(t, uint64(42), h.logs.FilterMessage("dropping response for unknown request").All()[0].ContextMap()["id"])

	stats := h.coordinator.Stats()
	assert.True(t, stats.LocalConnected)
	assert.Equal(t, 0, stats.Requests)
	assert.Equal(t, 0, stats.Transactions)
}

func TestLocalResponseResolvesPublicRequest(t *testing.T) {
	h := newHarness(t)
	conn := h.dialRawLocal(t)

	statuses := make(chan int, 1)
	go func() {
		resp, err := http.Get(h.public.URL + "/raw")
		if err != nil {
			statuses <- 0
			return
		}
		resp.Body.Close()
		statuses <- resp.StatusCode
	}()

	frame, err := conn.Receive(context.Background())
	require.NoError(t, err)
	env, err := messaging.Unwrap(frame)
	require.NoError(t, err)
	require.Equal(t, messaging.CoordinatorTxn, env.Txn)
	msg, err := messaging.Decode(env.Msg)
	require.NoError(t, err)
	req, ok := msg.(*messaging.HTTPRequest)
	require.True(t, ok)

	sendWrapped(t, conn, messaging.CoordinatorTxn, &messaging.HTTPResponse{ID: req.ID, Status: http.StatusTeapot})

	select {
	case status := <-statuses:
		assert.Equal(t, http.StatusTeapot, status)
	case <-time.After(5 * time.Second):
		t.Fatal("public request was not answered")
	}
	assert.Equal(t, 0, h.logs.FilterMessage("dropping response for unknown request").Len())
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.public.URL + shared.ListenPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.public.URL+shared.ListenPath, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, h.public.URL+shared.CallPath, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(h.internal.URL + shared.ListenPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecondLocalIsRejected(t *testing.T) {
	h := newHarness(t)
	h.connectLocal(t, client.Handlers{})

	d := &transport.Dialer{
		Logger: zaptest.NewLogger(t),
		URL:    h.public.URL + shared.ListenPath,
		Token:  testToken,
	}
	_, err := d.Dial(context.Background())
	var he *transport.HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusConflict, he.Status)
	assert.Equal(t, ErrAlreadyConnected.Error(), he.Reason)
	assert.True(t, h.coordinator.Stats().LocalConnected)
}

func TestWithoutLocal(t *testing.T) {
	h := newHarness(t)

	_, err := h.stub(t).Invoke(context.Background(), "ping")
	var he *transport.HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.Status)
	assert.Equal(t, ErrNotConnected.Error(), he.Reason)

	resp, err := http.Get(h.public.URL + "/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.Equal(t, Stats{}, h.coordinator.Stats())
}

func TestLocalCloseRejectsOutstandingRequests(t *testing.T) {
	const k = 4
	h := newHarness(t)

	block := make(chan struct{})
	defer close(block)
	disconnect := h.connectLocal(t, client.Handlers{
		Fetch: func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
			<-block
			return nil, errors.New("too late")
		},
	})

	statuses := make(chan int, k)
	for i := 0; i < k; i++ {
		go func() {
			resp, err := http.Get(h.public.URL + "/slow")
			if err != nil {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	require.Eventually(t, func() bool {
		return h.coordinator.Stats().Requests == k
	}, 5*time.Second, 10*time.Millisecond)

	disconnect()

	for i := 0; i < k; i++ {
		select {
		case status := <-statuses:
			assert.Equal(t, http.StatusBadGateway, status)
		case <-time.After(5 * time.Second):
			t.Fatal("public request was not rejected")
		}
	}
	stats := h.coordinator.Stats()
	assert.Equal(t, 0, stats.Requests)
	assert.False(t, stats.LocalConnected)
}

func TestLocalCloseEndsTransactions(t *testing.T) {
	h := newHarness(t)

	block := make(chan struct{})
	defer close(block)
	entered := make(chan struct{}, 1)
	disconnect := h.connectLocal(t, client.Handlers{
		Extra: rpc.Functions{
			"hang": func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
				entered <- struct{}{}
				<-block
				return messaging.Null{}, nil
			},
		},
	})

	stub := h.stub(t)
	errs := make(chan error, 1)
	go func() {
		_, err := stub.Invoke(context.Background(), "hang")
		errs <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not reach local")
	}
	assert.Equal(t, 1, h.coordinator.Stats().Transactions)

	disconnect()
	h.waitLocalGone(t)

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, rpc.ErrConnectionClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("remote call was not rejected")
	}
	assert.Equal(t, 0, h.coordinator.Stats().Transactions)
}

func TestLocalCanReconnect(t *testing.T) {
	h := newHarness(t)
	disconnect := h.connectLocal(t, client.Handlers{})
	disconnect()
	h.waitLocalGone(t)

	h.connectLocal(t, client.Handlers{
		Extra: rpc.Functions{
			"ping": func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
				return messaging.String("pong again"), nil
			},
		},
	})
	v, err := h.stub(t).Invoke(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, messaging.String("pong again"), v)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	h.connectLocal(t, client.Handlers{})

	resp, err := http.Get(h.public.URL + shared.HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&stats))
	assert.True(t, stats.LocalConnected)
}
