package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Token store metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xoauth2_proxy_db_queries_total",
			Help: "Total number of token store queries executed",
		},
		[]string{"operation", "status"}, // status: "success", "error"
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xoauth2_proxy_db_query_duration_seconds",
			Help:    "Duration of token store queries in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	TokensTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xoauth2_proxy_tokens_total",
			Help: "Number of token records in the store",
		},
	)

	TokensExpired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xoauth2_proxy_tokens_expired",
			Help: "Number of token records whose access token has expired",
		},
	)
)
