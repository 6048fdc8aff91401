package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry with the tracker metrics.
// Every method is safe on a nil *Collector so components can run without metrics.
type Collector struct {
	reg *prometheus.Registry

	FixesAccepted  prometheus.Counter
	FixesRejected  *prometheus.CounterVec // reason label: unauthorized|validation|duplicate|storage
	IngestDuration prometheus.Histogram

	ETARequests    *prometheus.CounterVec // outcome label: cache_hit|computed|stale|error
	OracleDuration prometheus.Histogram
	OracleErrors   *prometheus.CounterVec // kind label

	Subscribers        prometheus.Gauge
	BroadcastDelivered prometheus.Counter
	BroadcastDropped   prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	RouteVertices prometheus.Gauge

	HTTPRequests *prometheus.CounterVec   // method, route, status
	HTTPDuration *prometheus.HistogramVec // method, route
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FixesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_fixes_accepted_total",
			Help: "GPS fixes persisted.",
		}),
		FixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_fixes_rejected_total",
			Help: "GPS fixes rejected, by reason.",
		}, []string{"reason"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_ingest_duration_seconds",
			Help:    "Time to authenticate, validate and persist a fix.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ETARequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_eta_requests_total",
			Help: "ETA computations, by outcome.",
		}, []string{"outcome"}),
		OracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_oracle_duration_seconds",
			Help:    "Latency of travel-time oracle calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_oracle_errors_total",
			Help: "Travel-time oracle failures, by kind.",
		}, []string{"kind"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ws_subscribers",
			Help: "Connected live subscribers.",
		}),
		BroadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcast_delivered_total",
			Help: "Messages queued to subscribers.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcast_dropped_total",
			Help: "Messages dropped because a subscriber queue was full.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		RouteVertices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_route_vertices",
			Help: "Shape vertices in the route-matching index.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.FixesAccepted, c.FixesRejected, c.IngestDuration,
		c.ETARequests, c.OracleDuration, c.OracleErrors,
		c.Subscribers, c.BroadcastDelivered, c.BroadcastDropped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.RouteVertices,
		c.HTTPRequests, c.HTTPDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

func (c *Collector) FixAccepted(d time.Duration) {
	if c == nil {
		return
	}
	c.FixesAccepted.Inc()
	c.IngestDuration.Observe(d.Seconds())
}

func (c *Collector) FixRejected(reason string) {
	if c == nil {
		return
	}
	c.FixesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) ETAOutcome(outcome string) {
	if c == nil {
		return
	}
	c.ETARequests.WithLabelValues(outcome).Inc()
}

// OracleCall records one oracle round trip. kind is empty on success.
func (c *Collector) OracleCall(d time.Duration, kind string) {
	if c == nil {
		return
	}
	c.OracleDuration.Observe(d.Seconds())
	if kind != "" {
		c.OracleErrors.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.Subscribers.Set(float64(n))
}

func (c *Collector) Delivered(n int) {
	if c == nil {
		return
	}
	c.BroadcastDelivered.Add(float64(n))
}

func (c *Collector) Dropped() {
	if c == nil {
		return
	}
	c.BroadcastDropped.Inc()
}

func (c *Collector) NATSPublishedInc() {
	if c == nil {
		return
	}
	c.NATSPublished.Inc()
}

func (c *Collector) NATSPublishErrInc() {
	if c == nil {
		return
	}
	c.NATSPublishErrs.Inc()
}

func (c *Collector) NATSSetConnected(b bool) {
	if c == nil {
		return
	}
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) SetRouteVertices(n int) {
	if c == nil {
		return
	}
	c.RouteVertices.Set(float64(n))
}

// ObserveRequest records one served HTTP request. route is the matched
// route pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// PoolStats is a snapshot of a connection pool
type PoolStats struct {
	Hits       uint32
	Misses     uint32
	Timeouts   uint32
	TotalConns uint32
	IdleConns  uint32
	StaleConns uint32
}

// WatchCachePool exports the cache connection pool; stats is read on every
// scrape. Calling it twice keeps the first source.
func (c *Collector) WatchCachePool(stats func() PoolStats) {
	if c == nil {
		return
	}
	counter := func(name, help string, field func(PoolStats) uint32) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(field(stats())) })
	}
	gauge := func(name, help string, field func(PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(field(stats())) })
	}

	for _, col := range []prometheus.Collector{
		counter("tracker_cache_pool_hits_total", "Times a free connection was found in the pool.",
			func(s PoolStats) uint32 { return s.Hits }),
		counter("tracker_cache_pool_misses_total", "Times a free connection was not found in the pool.",
			func(s PoolStats) uint32 { return s.Misses }),
		counter("tracker_cache_pool_timeouts_total", "Times a wait for a pool connection timed out.",
			func(s PoolStats) uint32 { return s.Timeouts }),
		gauge("tracker_cache_pool_total_conns", "Connections in the pool.",
			func(s PoolStats) uint32 { return s.TotalConns }),
		gauge("tracker_cache_pool_idle_conns", "Idle connections in the pool.",
			func(s PoolStats) uint32 { return s.IdleConns }),
		gauge("tracker_cache_pool_stale_conns", "Stale connections removed from the pool.",
			func(s PoolStats) uint32 { return s.StaleConns }),
	} {
		_ = c.reg.Register(col)
	}
}
