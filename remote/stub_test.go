package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/focux/alchemy-sub001/client"
	"github.com/focux/alchemy-sub001/coordinator"
	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const token = "stub-token"

// peers keep logging after a test returns, so they log to an observer
// rather than to t.
func observedLogger() *zap.Logger {
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

func startCoordinator(t *testing.T) (public, internal *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := coordinator.New(coordinator.Config{Context: ctx, Logger: observedLogger(), Token: token})
	require.NoError(t, err)
	public = httptest.NewServer(c.PublicHandler())
	internal = httptest.NewServer(c.InternalHandler())
	t.Cleanup(public.Close)
	t.Cleanup(internal.Close)
	t.Cleanup(cancel)
	return
}

func startLocal(t *testing.T, public *httptest.Server, h client.Handlers) {
	t.Helper()
	s, err := client.NewSession(client.Config{
		Logger:      observedLogger(),
		Coordinator: public.URL,
		Token:       token,
		Handlers:    h,
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
}

func newStub(t *testing.T, internal *httptest.Server) *Stub {
	t.Helper()
	s, err := New(Config{Logger: observedLogger(), Coordinator: internal.URL, Token: token})
	require.NoError(t, err)
	return s
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Coordinator: "http://x", Token: "t"})
	assert.Error(t, err)
	_, err = New(Config{Logger: zaptest.NewLogger(t), Token: "t"})
	assert.Error(t, err)
	_, err = New(Config{Logger: zaptest.NewLogger(t), Coordinator: "http://x"})
	assert.Error(t, err)
	_, err = New(Config{Logger: zaptest.NewLogger(t), Coordinator: "http://x", Token: "t", MaxBodySize: -1})
	assert.Error(t, err)
}

func TestServeHTTPRejectsOversizedEvent(t *testing.T) {
	_, internal := startCoordinator(t)
	stub, err := New(Config{Logger: observedLogger(), Coordinator: internal.URL, Token: token, MaxBodySize: 8})
	require.NoError(t, err)

	platform := httptest.NewServer(stub)
	defer platform.Close()

	resp, err := http.Post(platform.URL+"/event", "text/plain", strings.NewReader("well past eight bytes"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServeHTTP(t *testing.T) {
	public, internal := startCoordinator(t)
	startLocal(t, public, client.Handlers{
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
				Status:  http.StatusAccepted,
				Headers: messaging.Headers{{"X-Method", req.Method}},
				Body:    messaging.EncodeBody([]byte(strings.ToUpper(string(body)))),
			}).Value(), nil
		},
	})

	platform := httptest.NewServer(newStub(t, internal))
	defer platform.Close()

	resp, err := http.Post(platform.URL+"/event", "text/plain", strings.NewReader("shout"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "SHOUT", string(body))
}

func TestServeHTTPWithoutLocal(t *testing.T) {
	_, internal := startCoordinator(t)

	platform := httptest.NewServer(newStub(t, internal))
	defer platform.Close()

	resp, err := http.Get(platform.URL + "/event")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHooksForwardArguments(t *testing.T) {
	public, internal := startCoordinator(t)
	got := make(chan messaging.Array, 1)
	startLocal(t, public, client.Handlers{
		Queue: func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
			got <- messaging.Array(args)
			return messaging.Number(len(args)), nil
		},
	})

	stub := newStub(t, internal)
	v, err := stub.Queue(context.Background(), messaging.String("batch"), messaging.MustFrom([]string{"m1", "m2"}))
	require.NoError(t, err)
	assert.Equal(t, messaging.Number(2), v)
	assert.Equal(t, messaging.Array{messaging.String("batch"), messaging.Array{messaging.String("m1"), messaging.String("m2")}}, <-got)

	_, err = stub.Scheduled(context.Background())
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Unknown Function: scheduled", re.Message)
}
