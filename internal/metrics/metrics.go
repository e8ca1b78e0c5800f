// Package metrics exposes proxy and upstream metrics in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rathix/danmu-query/internal/health"
	"github.com/rathix/danmu-query/internal/proxy"
)

const namespace = "danmu"

// Recorder owns the dev server's collectors. It implements proxy.Observer
// and can be attached to the health checker as a listener.
type Recorder struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	upstreamUp    *prometheus.GaugeVec
	upstreamProbe *prometheus.GaugeVec
	reloads       *prometheus.CounterVec
}

// New registers the collectors on reg. Pass a fresh prometheus.NewRegistry
// per process (or per test).
func New(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by rule prefix and response code.",
		}, []string{"prefix", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a proxied request to the upstream response being relayed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"prefix"}),
		upstreamUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "up",
			Help:      "1 when the last health probe reached the upstream, 0 otherwise.",
		}, []string{"prefix"}),
		upstreamProbe: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "probe_duration_seconds",
			Help:      "Latency of the last health probe.",
		}, []string{"prefix"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Config and live reloads by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		r.requests,
		r.duration,
		r.upstreamUp,
		r.upstreamProbe,
		r.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one proxied exchange. Upstream failures are counted with
// code 502, which is what the client saw.
func (r *Recorder) Observe(ex proxy.Exchange) {
	code := ex.Code
	if code == 0 {
		code = http.StatusBadGateway
	}
	r.requests.WithLabelValues(ex.Prefix, strconv.Itoa(code)).Inc()
	r.duration.WithLabelValues(ex.Prefix).Observe(ex.Duration.Seconds())
}

// ObserveUpstream records a health probe result.
func (r *Recorder) ObserveUpstream(u health.Upstream) {
	up := 0.0
	if u.Status == health.StatusUp {
		up = 1
	}
	r.upstreamUp.WithLabelValues(u.Prefix).Set(up)
	if u.LatencyMs != nil {
		r.upstreamProbe.WithLabelValues(u.Prefix).Set(float64(*u.LatencyMs) / 1000)
	}
}

// ForgetUpstreams drops all upstream gauge series after a config reload;
// the next probe cycle repopulates the prefixes still configured.
func (r *Recorder) ForgetUpstreams() {
	r.upstreamUp.Reset()
	r.upstreamProbe.Reset()
}

// Reloaded counts a reload of the given kind ("config" or "live").
func (r *Recorder) Reloaded(kind string) {
	r.reloads.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
