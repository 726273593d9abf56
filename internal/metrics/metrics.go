// Package metrics exposes dingline's Prometheus metrics. A *Metrics is the
// connection Recorder handed to the DingTalk adapter and the HTTP middleware
// used by the dashboard. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States reported by the connection_state gauge.
var states = []string{"idle", "connecting", "online", "reconnecting", "closed"}

type Metrics struct {
	registry *prometheus.Registry

	frames     *prometheus.CounterVec
	reconnects prometheus.Counter
	state      *prometheus.GaugeVec
	alive      prometheus.Gauge
	sends      *prometheus.CounterVec
	tokens     *prometheus.CounterVec

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
}

// New creates a Metrics with its own registry under namespace.
func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Stream frames received, by frame type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Reconnect attempts started.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		alive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_alive",
			Help: "1 when the last heartbeat was answered.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "elements_sent_total",
			Help: "Outbound elements, by kind and result.",
		}, []string{"kind", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_refreshes_total",
			Help: "Access token fetches, by result.",
		}, []string{"result"}),
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	r.MustRegister(m.frames, m.reconnects, m.state, m.alive, m.sends, m.tokens, m.httpReqCnt, m.httpDur)
	m.StateChanged("idle")
	return m
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) StateChanged(state string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Liveness(alive bool) {
	if m == nil {
		return
	}
	if alive {
		m.alive.Set(1)
	} else {
		m.alive.Set(0)
	}
}

func (m *Metrics) ElementSent(kind string, err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) TokenRefreshed(err error) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(result(err)).Inc()
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
