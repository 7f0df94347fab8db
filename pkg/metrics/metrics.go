package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_connections_total",
			Help: "Total number of client connections accepted",
		},
		[]string{"mode"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xoauth2_proxy_connections_current",
			Help: "Current number of proxied sessions",
		},
		[]string{"mode"},
	)

	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_connections_rejected_total",
			Help: "Total number of connections rejected by the connection limiter",
		},
		[]string{"server"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xoauth2_proxy_connection_duration_seconds",
			Help:    "Duration of proxied sessions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"mode"},
	)

	ProtocolDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_protocol_detections_total",
			Help: "Outcome of first-byte protocol detection on auto listeners",
		},
		[]string{"result"}, // result: "tls", "plain", "timeout", "closed"
	)

	SessionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_session_errors_total",
			Help: "Total number of sessions that ended with an error",
		},
		[]string{"kind"},
	)
)

// Protocol metrics
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_authentication_attempts_total",
			Help: "Total number of client authentication attempts",
		},
		[]string{"mechanism", "result"},
	)

	AuthRateLimitBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_auth_rate_limit_blocks_total",
			Help: "Total number of client IPs blocked after repeated authentication failures",
		},
		[]string{"server"},
	)

	TLSUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_tls_upgrades_total",
			Help: "Total number of TLS handshakes performed on either leg",
		},
		[]string{"leg", "result"}, // leg: "client", "backend"
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_commands_total",
			Help: "Total number of client commands by verb and session stage",
		},
		[]string{"command", "stage"},
	)

	LocalRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_local_replies_total",
			Help: "Total number of error replies generated by the proxy itself",
		},
		[]string{"code"},
	)

	RelayedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_relayed_bytes_total",
			Help: "Total number of message bytes relayed to the backend",
		},
		[]string{"kind"}, // kind: "data", "bdat"
	)
)

// Backend metrics
var (
	BackendDialDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xoauth2_proxy_backend_dial_duration_seconds",
			Help:    "Time taken to connect to the backend, including retries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	BackendDialFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_backend_dial_failures_total",
			Help: "Total number of sessions that could not reach the backend",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xoauth2_proxy_circuit_breaker_state",
			Help: "State of a circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Auth cache metrics
var (
	AuthCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_auth_cache_hits_total",
			Help: "Total number of authentication cache hits",
		},
	)

	AuthCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_auth_cache_misses_total",
			Help: "Total number of authentication cache misses",
		},
	)

	AuthCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xoauth2_proxy_auth_cache_entries",
			Help: "Current number of entries in the authentication cache",
		},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xoauth2_proxy_component_health_status",
			Help: "Health of a component (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_component_health_checks_total",
			Help: "Total number of health checks by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xoauth2_proxy_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"component"},
	)
)
