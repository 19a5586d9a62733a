package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the agent status server.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "brokerlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	recordsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "conn",
			Name:      "records_sent_total",
			Help:      "Records written to the broker connection.",
		},
		[]string{"kind"},
	)
	recordsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "conn",
			Name:      "records_received_total",
			Help:      "Records read from the broker connection, by dispatch route.",
		},
		[]string{"kind", "route"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "conn",
			Name:      "protocol_errors_total",
			Help:      "Inbound records dropped as malformed or unexpected.",
		},
		[]string{"reason"},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brokerlink",
			Subsystem: "conn",
			Name:      "connected",
			Help:      "1 while a broker connection is up.",
		},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "brokerlink",
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Time spent waiting for correlated broker responses.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)
	registryWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brokerlink",
			Subsystem: "registry",
			Name:      "waiters",
			Help:      "Callers blocked in a tag-set wait.",
		},
	)
	registryDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "registry",
			Name:      "dropped_total",
			Help:      "Tagged records dropped because no caller will take them.",
		},
		[]string{"reason"},
	)
	discoveryResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "discovery",
			Name:      "datagrams_total",
			Help:      "Discovery datagrams by outcome.",
		},
		[]string{"outcome"},
	)
	portBinds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerlink",
			Subsystem: "ports",
			Name:      "bind_attempts_total",
			Help:      "Local bind attempts on broker-assigned ports.",
		},
		[]string{"service", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			recordsSent, recordsReceived, protocolErrors, connected,
			callDuration, registryWaiters, registryDropped,
			discoveryResponses, portBinds,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSent(kind string) {
	RegisterMetrics()
	recordsSent.WithLabelValues(kind).Inc()
}

// RecordReceived counts an inbound record; route is "kind", "tag" or "control".
func RecordReceived(kind, route string) {
	RegisterMetrics()
	recordsReceived.WithLabelValues(kind, route).Inc()
}

func RecordProtocolError(reason string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(reason).Inc()
}

func SetConnected(up bool) {
	RegisterMetrics()
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

func RecordCall(op, result string, duration time.Duration) {
	RegisterMetrics()
	callDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

func AddWaiters(delta int) {
	RegisterMetrics()
	registryWaiters.Add(float64(delta))
}

// RecordDropped counts tagged records thrown away; reason is "released" for
// records buffered when a match was abandoned and "late" for later arrivals.
func RecordDropped(reason string, n int) {
	RegisterMetrics()
	registryDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordDiscovery counts a datagram; outcome is one of "probe", "accepted",
// "duplicate", "version" or "malformed".
func RecordDiscovery(outcome string) {
	RegisterMetrics()
	discoveryResponses.WithLabelValues(outcome).Inc()
}

func RecordBind(service string, success bool) {
	RegisterMetrics()
	portBinds.WithLabelValues(service, strconv.FormatBool(success)).Inc()
}
