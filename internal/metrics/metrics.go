// Package metrics exposes Prometheus collectors for the name service and bridge
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "btlite"

// Session roles
const (
	RoleAdvertise = "advertise"
	RoleDiscover  = "discover"
	RoleAcceptor  = "acceptor"
)

// Session outcomes
const (
	OutcomeOK           = "ok"
	OutcomeDialFailed   = "dial_failed"
	OutcomeIOError      = "io_error"
	OutcomeProtocolFail = "protocol_error"
)

// Bridge directions
const (
	DirectionToLocal = "to_local"
	DirectionToRadio = "to_radio"
)

// Metrics holds every collector the daemon updates
type Metrics struct {
	Sessions        *prometheus.CounterVec
	FoundNames      prometheus.Counter
	QueueDepth      prometheus.Gauge
	Querying        prometheus.Gauge
	ConnectAttempts prometheus.Counter
	ConnectFailures *prometheus.CounterVec
	Endpoints       prometheus.Gauge
	BridgedBytes    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nameservice",
			Name:      "sessions_total",
			Help:      "Name service sessions by role and outcome.",
		}, []string{"role", "outcome"}),
		FoundNames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nameservice",
			Name:      "found_names_total",
			Help:      "Name sets reported to the daemon controller.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nameservice",
			Name:      "queue_depth",
			Help:      "Peer tasks waiting for the coordinator.",
		}),
		Querying: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nameservice",
			Name:      "querying",
			Help:      "1 while a locally initiated session is in flight.",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connect_attempts_total",
			Help:      "Radio dial attempts made by connect.",
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connect_failures_total",
			Help:      "Failed connect requests by reason.",
		}, []string{"reason"}),
		Endpoints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "endpoints",
			Help:      "Registered bridge endpoints.",
		}),
		BridgedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "bytes_total",
			Help:      "Bytes relayed by bridge endpoints.",
		}, []string{"direction"}),
	}
}

// Handler serves the collectors registered with g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
