// Package metrics exposes Prometheus instrumentation for the ledger service
// and its HTTP boundary.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total ledger appends by classification and result.",
	}, []string{"classification", "result"})

	ledgerAppendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_append_retries_total",
		Help: "Appends retried after losing a race for the chain tail.",
	})

	ledgerDecryptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_decrypt_attempts_total",
		Help: "Decrypt attempts by outcome.",
	}, []string{"outcome"})

	ledgerBrokenLinksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_broken_links_total",
		Help: "Broken links reported by chain verification.",
	})

	ledgerArchivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_entries_archived_total",
		Help: "Entries transitioned to ARCHIVED by retention runs.",
	})

	ledgerChainIntact = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_chain_intact",
		Help: "1 if the tenant chain verified intact on the last background check, else 0.",
	}, []string{"tenant_id"})

	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Recorder implements the service's metrics hook on the package collectors.
type Recorder struct{}

// AppendObserved counts one append attempt.
func (Recorder) AppendObserved(classification, result string) {
	ledgerAppendsTotal.WithLabelValues(classification, result).Inc()
}

// AppendRetried counts one append retry.
func (Recorder) AppendRetried() { ledgerAppendRetriesTotal.Inc() }

// DecryptObserved counts one decrypt attempt.
func (Recorder) DecryptObserved(outcome string) {
	ledgerDecryptsTotal.WithLabelValues(outcome).Inc()
}

// BrokenLinksObserved adds n broken links found during verification.
func (Recorder) BrokenLinksObserved(n int) { ledgerBrokenLinksTotal.Add(float64(n)) }

// ArchivedObserved adds n archived entries.
func (Recorder) ArchivedObserved(n int) { ledgerArchivedTotal.Add(float64(n)) }

// RecordChainStatus sets the chain-intact gauge for a tenant.
func RecordChainStatus(tenantID string, intact bool) {
	v := 0.0
	if intact {
		v = 1
	}
	ledgerChainIntact.WithLabelValues(tenantID).Set(v)
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		ledgerRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		ledgerRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
