// Package metrics exposes Prometheus collectors for the backend connections,
// the event loop and live-TV streaming. A nil *Collector is valid and
// records nothing, so components can be built without metrics in tests.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages the Prometheus metrics of one process
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	reconnectsTotal   *prometheus.CounterVec
	connected         *prometheus.GaugeVec
	eventsTotal       *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
	listenerSwitches  prometheus.Counter
	liveBytesRead     prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
	serviceInfo       *prometheus.GaugeVec
}

// New creates a collector registered on its own registry.
func New(namespace, version string) *Collector {
	ns := strings.ReplaceAll(namespace, "-", "_")
	c := &Collector{registry: prometheus.NewRegistry()}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "control_requests_total",
		Help:      "Control connection requests by command and result",
	}, []string{"command", "result"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "control_request_duration_seconds",
		Help:      "Control connection round-trip time",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	c.reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "reconnects_total",
		Help:      "Reconnect attempts by connection kind and result",
	}, []string{"kind", "result"})

	c.connected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "connected",
		Help:      "1 while the connection of the given kind is usable",
	}, []string{"kind"})

	c.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "events_total",
		Help:      "Backend events received by type",
	}, []string{"event"})

	c.notificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "observer_notifications_total",
		Help:      "Observer callbacks fired by the event loop",
	}, []string{"kind"})

	c.listenerSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "file_size_listener_switches_total",
		Help:      "Times the file-size listener moved to a new live segment",
	})

	c.liveBytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "livetv_bytes_read_total",
		Help:      "Bytes read from live-TV streams",
	})

	c.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "http_requests_total",
		Help:      "Status API requests",
	}, []string{"method", "path", "status"})

	c.serviceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "service_info",
		Help:      "Service information",
	}, []string{"version"})

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.reconnectsTotal,
		c.connected,
		c.eventsTotal,
		c.notificationsSent,
		c.listenerSwitches,
		c.liveBytesRead,
		c.httpRequestsTotal,
		c.serviceInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.serviceInfo.WithLabelValues(version).Set(1)
	return c
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one control round trip.
func (c *Collector) ObserveRequest(command string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(command, result(err)).Inc()
	c.requestDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Reconnect records a reconnect attempt for a connection kind.
func (c *Collector) Reconnect(kind string, err error) {
	if c == nil {
		return
	}
	c.reconnectsTotal.WithLabelValues(kind, result(err)).Inc()
}

// SetConnected records whether a connection kind is usable.
func (c *Collector) SetConnected(kind string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.connected.WithLabelValues(kind).Set(v)
}

// Event counts one received backend event.
func (c *Collector) Event(name string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(name).Inc()
}

// Notification counts one observer callback.
func (c *Collector) Notification(kind string) {
	if c == nil {
		return
	}
	c.notificationsSent.WithLabelValues(kind).Inc()
}

// ListenerSwitch counts a file-size listener re-registration.
func (c *Collector) ListenerSwitch() {
	if c == nil {
		return
	}
	c.listenerSwitches.Inc()
}

// LiveBytes counts bytes delivered from a live stream.
func (c *Collector) LiveBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.liveBytesRead.Add(float64(n))
}

// HTTPRequest counts one status API request.
func (c *Collector) HTTPRequest(method, path string, status int) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
