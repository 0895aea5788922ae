// Package metrics provides Prometheus instrumentation for the scoring engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ResolverTierTotal counts transaction-resolver tier attempts by outcome.
	ResolverTierTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Subsystem: "resolver",
			Name:      "tier_total",
			Help:      "Transaction resolver tier attempts by chain, tier, and result.",
		},
		[]string{"chain", "tier", "result"},
	)

	// ResolverCacheTotal counts cache lookups by result (hit, miss, expired).
	ResolverCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Subsystem: "resolver",
			Name:      "cache_total",
			Help:      "Transaction resolver cache lookups by result.",
		},
		[]string{"result"},
	)

	// LedgerScanDuration observes fallback ledger scans.
	LedgerScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentscore",
			Subsystem: "resolver",
			Name:      "ledger_scan_duration_seconds",
			Help:      "Duration of fallback ledger scans by chain.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"chain"},
	)

	// APIRequestsTotal counts metrics API calls by endpoint and status class.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Subsystem: "metricsapi",
			Name:      "requests_total",
			Help:      "Metrics API requests by endpoint and status class.",
		},
		[]string{"endpoint", "status"},
	)

	// APIRetriesTotal counts metrics API retries by endpoint.
	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Subsystem: "metricsapi",
			Name:      "retries_total",
			Help:      "Metrics API retries after throttling or server errors.",
		},
		[]string{"endpoint"},
	)

	// APITokensIssued counts bearer tokens signed for the metrics API.
	APITokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentscore",
		Subsystem: "metricsapi",
		Name:      "tokens_issued_total",
		Help:      "Bearer tokens signed for the metrics API.",
	})

	// RegistryLookupsTotal counts identity/reputation/validation lookups.
	RegistryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Subsystem: "registry",
			Name:      "lookups_total",
			Help:      "Registry lookups by kind and result.",
		},
		[]string{"lookup", "result"},
	)

	// AggregationsTotal counts aggregations by outcome status.
	AggregationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Name:      "aggregations_total",
			Help:      "Agent data aggregations by outcome status.",
		},
		[]string{"status"},
	)

	// ScoreDistribution observes computed scores.
	ScoreDistribution = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentscore",
		Name:      "score",
		Help:      "Distribution of computed agent scores.",
		Buckets:   []float64{300, 400, 500, 580, 670, 740, 800, 850},
	})

	// GradesTotal counts computed scores by grade.
	GradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentscore",
			Name:      "grades_total",
			Help:      "Computed scores by letter grade.",
		},
		[]string{"grade"},
	)
)

func init() {
	prometheus.MustRegister(
		ResolverTierTotal,
		ResolverCacheTotal,
		LedgerScanDuration,
		APIRequestsTotal,
		APIRetriesTotal,
		APITokensIssued,
		RegistryLookupsTotal,
		AggregationsTotal,
		ScoreDistribution,
		GradesTotal,
	)
}

// Result labels shared by the counters above.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// ObserveTier records one resolver tier attempt.
func ObserveTier(chain, tier string, err error) {
	ResolverTierTotal.WithLabelValues(chain, tier, resultLabel(err)).Inc()
}

// ObserveRegistry records one registry lookup.
func ObserveRegistry(lookup string, err error) {
	RegistryLookupsTotal.WithLabelValues(lookup, resultLabel(err)).Inc()
}

// ObserveScore records a computed score and its grade.
func ObserveScore(score int, grade string) {
	ScoreDistribution.Observe(float64(score))
	GradesTotal.WithLabelValues(grade).Inc()
}

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...). Zero means
// the request never got a response.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "network_error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Timer returns a func that observes the elapsed time on h when called.
func Timer(h prometheus.Observer) func() {
	start := time.Now()
	return func() { h.Observe(time.Since(start).Seconds()) }
}

func resultLabel(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
