// Package metrics provides Prometheus instrumentation for the SafeDeal platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "safedeal",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts escrow state transitions by action and result.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "transitions_total",
			Help:      "Total escrow state transitions attempted, by action and result.",
		},
		[]string{"action", "result"},
	)

	// EscrowsCreatedTotal counts escrow transactions created.
	EscrowsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safedeal",
		Name:      "escrows_created_total",
		Help:      "Total escrow transactions created.",
	})

	// SettlementsTotal counts ledger settlements by type (complete, cancel, expire, dispute outcomes).
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "settlements_total",
			Help:      "Total ledger settlements by settlement type.",
		},
		[]string{"type"},
	)

	// LedgerEntriesTotal counts ledger entries written, by entry type.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "ledger_entries_total",
			Help:      "Total wallet ledger entries appended, by type.",
		},
		[]string{"type"},
	)

	// LedgerInvariantViolationsTotal counts attempted invariant violations
	// (e.g. unlock exceeding locked funds). Any non-zero value warrants an alert.
	LedgerInvariantViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safedeal",
		Name:      "ledger_invariant_violations_total",
		Help:      "Total ledger invariant violations detected. Should stay at zero.",
	})

	// SweepRunsTotal counts expiry reaper runs.
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safedeal",
		Name:      "sweep_runs_total",
		Help:      "Total expiry reaper sweeps executed.",
	})

	// SweptTransactionsTotal counts transactions processed by the reaper, by result.
	SweptTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "swept_transactions_total",
			Help:      "Total transactions handled by the expiry reaper, by result.",
		},
		[]string{"result"},
	)

	// DisputesTotal counts dispute lifecycle events by outcome.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "disputes_total",
			Help:      "Total dispute lifecycle events by outcome.",
		},
		[]string{"outcome"},
	)

	// ReferralBonusesTotal counts referral bonus credits by result.
	ReferralBonusesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "referral_bonuses_total",
			Help:      "Total referral bonus credit attempts by result.",
		},
		[]string{"result"},
	)

	// ReconciliationDrift reports the last observed conservation drift in
	// smallest currency units. Should stay at zero.
	ReconciliationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safedeal",
		Name:      "reconciliation_drift_units",
		Help:      "Last observed difference between deposits and ledger totals.",
	})

	// ReconciliationChecksTotal counts reconciliation runs by result.
	ReconciliationChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "reconciliation_checks_total",
			Help:      "Total reconciliation checks by result.",
		},
		[]string{"result"},
	)

	// ActiveEventClients tracks connected realtime event feed clients.
	ActiveEventClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safedeal",
		Name:      "active_event_clients",
		Help:      "Number of currently connected realtime event clients.",
	})

	// DepositsTotal counts confirmed gateway deposits by result.
	DepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safedeal",
			Name:      "deposits_total",
			Help:      "Total gateway deposit confirmations by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safedeal", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safedeal", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safedeal", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safedeal", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		EscrowsCreatedTotal,
		SettlementsTotal,
		LedgerEntriesTotal,
		LedgerInvariantViolationsTotal,
		SweepRunsTotal,
		SweptTransactionsTotal,
		DisputesTotal,
		ReferralBonusesTotal,
		ReconciliationDrift,
		ReconciliationChecksTotal,
		ActiveEventClients,
		DepositsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
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
