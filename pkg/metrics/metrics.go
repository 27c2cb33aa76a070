package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LDAP gateway metrics
	LDAPOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_ldap_operations_total",
			Help: "Total number of LDAP operations by cluster, operation and outcome",
		},
		[]string{"cluster", "operation", "outcome"},
	)

	LDAPOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_ldap_operation_duration_seconds",
			Help:    "LDAP operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster", "operation"},
	)

	// Connection pool metrics
	PoolIdleSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_pool_idle_sessions",
			Help: "Number of idle sessions currently held by the connection pool",
		},
	)

	PoolHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_pool_hits_total",
			Help: "Total number of pool acquisitions served by an idle session",
		},
	)

	PoolMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_pool_misses_total",
			Help: "Total number of pool acquisitions that opened a new connection",
		},
	)

	// Replication metrics
	ReplicationInSync = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_replication_in_sync",
			Help: "Whether a cluster's nodes agree on contextCSN (1 = in sync)",
		},
		[]string{"cluster"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		LDAPOperationsTotal,
		LDAPOperationDuration,
		PoolIdleSessions,
		PoolHitsTotal,
		PoolMissesTotal,
		ReplicationInSync,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
