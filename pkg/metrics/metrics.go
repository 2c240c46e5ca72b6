package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/imgate/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector exported by imgate. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec

	connActive   prometheus.Gauge
	connMax      prometheus.Gauge
	connTotal    prometheus.Counter
	framesIn     *prometheus.CounterVec
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
	sendDropped  *prometheus.CounterVec
	dispatchCnt  *prometheus.CounterVec
	dispatchDur  *prometheus.HistogramVec
	dispatchInfl *prometheus.GaugeVec
	poolQueued   prometheus.Gauge
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:     r,
		httpReqCnt:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:      prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),
		connActive:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active"}),
		connMax:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_max"}),
		connTotal:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_accepted_total"}),
		framesIn:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "frames_received_total"}, []string{"result"}),
		bytesIn:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "bytes_received_total"}),
		bytesOut:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "bytes_sent_total"}),
		sendDropped:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sends_dropped_total"}, []string{"reason"}),
		dispatchCnt:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "dispatch_total"}, []string{"type", "result"}),
		dispatchDur:  prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "dispatch_duration_seconds", Buckets: buckets}, []string{"type"}),
		dispatchInfl: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "dispatch_inflight"}, []string{"type"}),
		poolQueued:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "worker_pool_pending_tasks"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur)
	r.MustRegister(m.connActive, m.connMax, m.connTotal, m.framesIn, m.bytesIn, m.bytesOut, m.sendDropped)
	r.MustRegister(m.dispatchCnt, m.dispatchDur, m.dispatchInfl, m.poolQueued)
	return m
}

// SessionOpened records a registered session and the current counts
func (m *Metrics) SessionOpened(active, max int64) {
	if m == nil {
		return
	}
	m.connTotal.Inc()
	m.connActive.Set(float64(active))
	m.connMax.Set(float64(max))
}

// SessionClosed records the active count after a session left
func (m *Metrics) SessionClosed(active int64) {
	if m == nil {
		return
	}
	m.connActive.Set(float64(active))
}

// FrameReceived counts one extracted frame by outcome
func (m *Metrics) FrameReceived(result string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(result).Inc()
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) BytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesOut.Add(float64(n))
}

// SendDropped counts a message that never reached the write queue
func (m *Metrics) SendDropped(reason string) {
	if m == nil {
		return
	}
	m.sendDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DispatchStart(msgType string) {
	if m == nil {
		return
	}
	m.dispatchInfl.WithLabelValues(msgType).Inc()
}

func (m *Metrics) DispatchDone(msgType string, since time.Time, result string) {
	if m == nil {
		return
	}
	m.dispatchCnt.WithLabelValues(msgType, result).Inc()
	m.dispatchDur.WithLabelValues(msgType).Observe(time.Since(since).Seconds())
	m.dispatchInfl.WithLabelValues(msgType).Dec()
}

// PoolPending reports tasks submitted but not yet finished
func (m *Metrics) PoolPending(n int64) {
	if m == nil {
		return
	}
	m.poolQueued.Set(float64(n))
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
