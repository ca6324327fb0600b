// Package telemetry carries the Prometheus metrics and HTTP middleware
// shared by the server and the importer.
package telemetry

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// VerbRequestsTotal counts protocol requests by verb.
	VerbRequestsTotal *prometheus.CounterVec

	// ProtocolErrorsTotal counts protocol error responses by error code.
	ProtocolErrorsTotal *prometheus.CounterVec

	// HarvestRecordsTotal counts records written by the importer, labeled by
	// outcome (updated, deleted, failed).
	HarvestRecordsTotal *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable
// expansion. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant
// labels. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oai_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oai_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	VerbRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oai_service_verb_requests_total",
			Help: "Total number of OAI-PMH requests by verb",
		},
		[]string{"verb"},
	)

	ProtocolErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oai_service_protocol_errors_total",
			Help: "Total number of OAI-PMH error responses by code",
		},
		[]string{"code"},
	)

	HarvestRecordsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oai_service_harvest_records_total",
			Help: "Total number of records written by the importer",
		},
		[]string{"outcome"},
	)
}

// CountVerb records one protocol request and, for error responses, the
// error code. No-ops when metrics are not initialized.
func CountVerb(verb, errorCode string) {
	if VerbRequestsTotal == nil {
		return
	}
	if verb == "" {
		verb = "unknown"
	}
	VerbRequestsTotal.WithLabelValues(verb).Inc()
	if errorCode != "" {
		ProtocolErrorsTotal.WithLabelValues(errorCode).Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
