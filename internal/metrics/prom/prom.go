package prom

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ttun/internal/metrics"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports client metrics to Prometheus.
type Observer struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	sessions        prometheus.Gauge
	liveTasks       prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec
	droppedTotal    prometheus.Counter
}

// NewObserver registers client metrics on the registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttun_proxied_requests_total",
			Help: "HTTP requests proxied to the local target by response status.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttun_proxied_request_duration_seconds",
			Help:    "Time from dispatch to finalized response, mapped errors included.",
			Buckets: prometheus.DefBuckets,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttun_websocket_sessions",
			Help: "Open local websocket sessions.",
		}),
		liveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttun_live_tasks",
			Help: "Session tasks currently scheduled by the dispatcher.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttun_rejected_envelopes_total",
			Help: "Envelopes skipped or rejected by reason.",
		}, []string{"reason"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttun_dropped_events_total",
			Help: "Events evicted from full subscriber queues.",
		}),
	}
	reg.MustRegister(
		o.requestsTotal,
		o.requestDuration,
		o.sessions,
		o.liveTasks,
		o.rejectedTotal,
		o.droppedTotal,
	)
	return o
}

var _ metrics.Observer = (*Observer)(nil)

func (o *Observer) RequestProxied(status int, d time.Duration) {
	o.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	o.requestDuration.Observe(d.Seconds())
}

func (o *Observer) SessionOpened() { o.sessions.Inc() }
func (o *Observer) SessionClosed() { o.sessions.Dec() }
func (o *Observer) TaskStarted()   { o.liveTasks.Inc() }
func (o *Observer) TaskFinished()  { o.liveTasks.Dec() }

func (o *Observer) EnvelopeRejected(reason metrics.RejectReason) {
	o.rejectedTotal.WithLabelValues(string(reason)).Inc()
}

func (o *Observer) EventDropped() { o.droppedTotal.Inc() }
