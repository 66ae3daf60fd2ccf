package profiler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	for code, class := range map[int]string{
		101: "other",
		200: "2xx",
		302: "3xx",
		404: "4xx",
		502: "5xx",
	} {
		assert.Equal(t, class, StatusClass(code), "code %d", code)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	TunnelEvents.WithLabelValues("reused").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `bridge_tunnel_events_total{event="reused"}`)
}
