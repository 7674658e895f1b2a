package middleware

import (
	"net/http"
	"time"

	"poseidon/pkg/metrics"

	"github.com/gorilla/mux"
)

// MetricsMiddleware records request counts and latency per route template.
type MetricsMiddleware struct {
	collector metrics.Collector
}

// NewMetricsMiddleware constructs a MetricsMiddleware.
func NewMetricsMiddleware(collector metrics.Collector) *MetricsMiddleware {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &MetricsMiddleware{collector: collector}
}

// Instrument wraps next. Unmatched paths are reported as "unmatched" to bound label cardinality.
func (m *MetricsMiddleware) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.collector.RecordHTTPRequest(r.Method, route, wrapped.statusCode, time.Since(start))
	})
}
