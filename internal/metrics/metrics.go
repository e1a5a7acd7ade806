package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Room metrics
	RoomOpened()
	RoomClosed()

	// Peer metrics
	PeerConnected()
	PeerDisconnected()

	// Signaling metrics
	RequestHandled(method string, code int, duration time.Duration)

	// Media graph metrics
	ConsumerCreated(kind string)
	ConsumerFailed(kind string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeRooms   prometheus.Gauge
	roomsOpened   prometheus.Counter
	activePeers   prometheus.Gauge
	peerConnects  prometheus.Counter
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	consumers     *prometheus.CounterVec
	consumerFails *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector on its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_active_rooms",
			Help: "Number of open rooms",
		}),
		roomsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfu_rooms_opened_total",
			Help: "Total number of rooms opened",
		}),

		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_active_peers",
			Help: "Number of connected signaling peers",
		}),
		peerConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfu_peer_connections_total",
			Help: "Total number of signaling connections",
		}),

		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sfu_signaling_requests_total",
				Help: "Total number of signaling requests by method and response code",
			},
			[]string{"method", "code"},
		),
		requestTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sfu_signaling_request_duration_seconds",
				Help:    "Time spent handling signaling requests",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"method"},
		),

		consumers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sfu_consumers_created_total",
				Help: "Total number of consumers created by fan-out",
			},
			[]string{"kind"},
		),
		consumerFails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sfu_consumer_failures_total",
				Help: "Total number of fan-out consumers that failed to set up",
			},
			[]string{"kind"},
		),
	}
}

func (c *PrometheusCollector) RoomOpened() {
	c.roomsOpened.Inc()
	c.activeRooms.Inc()
}

func (c *PrometheusCollector) RoomClosed() {
	c.activeRooms.Dec()
}

func (c *PrometheusCollector) PeerConnected() {
	c.peerConnects.Inc()
	c.activePeers.Inc()
}

func (c *PrometheusCollector) PeerDisconnected() {
	c.activePeers.Dec()
}

// RequestHandled records one signaling request outcome
func (c *PrometheusCollector) RequestHandled(method string, code int, duration time.Duration) {
	c.requests.WithLabelValues(method, codeLabel(code)).Inc()
	c.requestTime.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *PrometheusCollector) ConsumerCreated(kind string) {
	c.consumers.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) ConsumerFailed(kind string) {
	c.consumerFails.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func codeLabel(code int) string {
	switch {
	case code == 0 || code == http.StatusOK:
		return "ok"
	default:
		return http.StatusText(code)
	}
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RoomOpened() {}
func (Nop) RoomClosed() {}
func (Nop) PeerConnected() {}
func (Nop) PeerDisconnected() {}
func (Nop) RequestHandled(string, int, time.Duration) {}
func (Nop) ConsumerCreated(string) {}
func (Nop) ConsumerFailed(string) {}
func (Nop) Handler() http.Handler { return http.NotFoundHandler() }
