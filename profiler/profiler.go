package profiler

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every bridge collector.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(RPCCalls)
	r.MustRegister(RPCDropped)
	r.MustRegister(CoordinatorRelayed)
	r.MustRegister(CoordinatorTransactions)
	r.MustRegister(CoordinatorConnections)
	r.MustRegister(PublicRequests)
	r.MustRegister(TunnelEvents)
	r.MustRegister(LocalForwards)
	return r
}

func debug() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

// Handler serves /metrics and the pprof endpoints.
func Handler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/", debug())
	m.Handle("/metrics", promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}))
	return m
}

// StartProfiler blocks serving Handler on addr.
func StartProfiler(addr string) error {
	return http.ListenAndServe(addr, Handler())
}
