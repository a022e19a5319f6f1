package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler exposes m in Prometheus' text exposition format, along
// with Go runtime collectors.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(prometheus.Gatherers{m.reg, runtimeRegistry()}, promhttp.HandlerOpts{})
}

func runtimeRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
