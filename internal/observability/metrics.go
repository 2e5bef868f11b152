package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Link request targets are collapsed to these so peer names never become
// label values.
const (
	TargetServer = "server"
	TargetLink   = "link"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "royalnet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "royalnet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "royalnet",
			Subsystem: "server",
			Name:      "connected_clients",
			Help:      "Identified links currently registered.",
		},
		[]string{"node"},
	)
	forwardedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "royalnet",
			Subsystem: "server",
			Name:      "forwarded_envelopes_total",
			Help:      "Envelopes forwarded between links.",
		},
		[]string{"node", "format"},
	)
	noticesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "royalnet",
			Subsystem: "server",
			Name:      "notices_total",
			Help:      "Failure notices sent to links, by kind.",
		},
		[]string{"node", "kind"},
	)
	linkRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "royalnet",
			Subsystem: "link",
			Name:      "requests_total",
			Help:      "Link requests by target and outcome.",
		},
		[]string{"name", "target", "outcome"},
	)
	linkRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "royalnet",
			Subsystem: "link",
			Name:      "request_duration_seconds",
			Help:      "Link request round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"name", "target", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectedClients,
			forwardedEnvelopes,
			noticesSent,
			linkRequests,
			linkRequestDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetConnectedClients(node string, n int) {
	RegisterMetrics()
	connectedClients.WithLabelValues(node).Set(float64(n))
}

func RecordForward(node, format string) {
	RegisterMetrics()
	forwardedEnvelopes.WithLabelValues(node, format).Inc()
}

func RecordNotice(node, kind string) {
	RegisterMetrics()
	noticesSent.WithLabelValues(node, kind).Inc()
}

func RecordLinkRequest(name, destination, outcome string, duration time.Duration) {
	RegisterMetrics()
	target := RequestTarget(destination)
	linkRequests.WithLabelValues(name, target, outcome).Inc()
	linkRequestDuration.WithLabelValues(name, target, outcome).Observe(duration.Seconds())
}

// RequestTarget maps a request destination to its label value.
func RequestTarget(destination string) string {
	if destination == protocol.ServerName {
		return TargetServer
	}
	return TargetLink
}
