package profiler

import "github.com/prometheus/client_golang/prometheus"

var (
	RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "rpc",
		Help:      "Count of calls and callbacks by direction and outcome",
		Name:      "calls_total",
	}, []string{"direction", "kind", "outcome"})

	RPCDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "rpc",
		Help:      "Count of inbound frames dropped without a matching call",
		Name:      "dropped_total",
	}, []string{"type"})

	CoordinatorRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "coordinator",
		Help:      "Count of frames relayed between remote transactions and local",
		Name:      "relayed_total",
	}, []string{"direction", "outcome"})

	CoordinatorTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "coordinator",
		Help:      "Number of open remote transactions",
		Name:      "transactions",
	})

	CoordinatorConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "coordinator",
		Help:      "Count of connection attempts by role and result",
		Name:      "connections_total",
	}, []string{"role", "result"})

	PublicRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "coordinator",
		Help:      "Count of public HTTP requests brokered to local by status class",
		Name:      "public_requests_total",
	}, []string{"status"})

	TunnelEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "tunnel",
		Help:      "Count of tunnel reuse and spawn outcomes",
		Name:      "events_total",
	}, []string{"event"})

	LocalForwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "client",
		Help:      "Count of requests forwarded to the local dev server",
		Name:      "forwards_total",
	}, []string{"status"})
)

// StatusClass buckets an HTTP status code for metric labels.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
