package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

// ServerMetrics carries every metric the service exposes on its own
// registry: HTTP surface metrics plus retrieval pipeline metrics.
type ServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	branchesTotal         *prometheus.CounterVec
	stageDuration         *prometheus.HistogramVec
	fusedResults          *prometheus.HistogramVec
	citationsEmitted      *prometheus.HistogramVec
	droppedCitationsTotal *prometheus.CounterVec
	partialResponsesTotal *prometheus.CounterVec
	cacheOperationsTotal  *prometheus.CounterVec
}

func NewServerMetrics(service string) *ServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbre",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbre",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kbre",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	branchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbre",
			Subsystem: "retrieval",
			Name:      "branches_total",
			Help:      "Total dispatched retrieval branches by modality and status.",
		},
		[]string{"service", "modality", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbre",
			Subsystem: "retrieval",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each retrieval pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage"},
	)
	fusedResults := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbre",
			Subsystem: "retrieval",
			Name:      "fused_results",
			Help:      "Distribution of fused result counts per request.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"service"},
	)
	citationsEmitted := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbre",
			Subsystem: "retrieval",
			Name:      "citations_emitted",
			Help:      "Distribution of emitted citations per request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	droppedCitationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbre",
			Subsystem: "retrieval",
			Name:      "dropped_citations_total",
			Help:      "Total citations dropped during assembly.",
		},
		[]string{"service"},
	)
	partialResponsesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbre",
			Subsystem: "retrieval",
			Name:      "partial_responses_total",
			Help:      "Total responses served with at least one failed branch.",
		},
		[]string{"service"},
	)
	cacheOperationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbre",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache lookups by class and result.",
		},
		[]string{"class", "result"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		branchesTotal,
		stageDuration,
		fusedResults,
		citationsEmitted,
		droppedCitationsTotal,
		partialResponsesTotal,
		cacheOperationsTotal,
	)

	return &ServerMetrics{
		registry:              registry,
		requestTotal:          requestTotal,
		requestDuration:       requestDuration,
		requestInFlight:       requestInFlight,
		branchesTotal:         branchesTotal,
		stageDuration:         stageDuration,
		fusedResults:          fusedResults,
		citationsEmitted:      citationsEmitted,
		droppedCitationsTotal: droppedCitationsTotal,
		partialResponsesTotal: partialResponsesTotal,
		cacheOperationsTotal:  cacheOperationsTotal,
	}
}

func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheCounter is handed to the retrieval cache at wiring time.
func (m *ServerMetrics) CacheCounter() *prometheus.CounterVec {
	return m.cacheOperationsTotal
}

func (m *ServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			r.URL.Path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// RecordOutcome folds one finished retrieval into the pipeline metrics.
func (m *ServerMetrics) RecordOutcome(service string, outcome *domain.RetrievalOutcome) {
	if outcome == nil {
		return
	}

	m.citationsEmitted.WithLabelValues(service).Observe(float64(len(outcome.Citations)))
	if outcome.DroppedCitations > 0 {
		m.droppedCitationsTotal.WithLabelValues(service).Add(float64(outcome.DroppedCitations))
	}
	if outcome.Partial {
		m.partialResponsesTotal.WithLabelValues(service).Inc()
	}
	for _, failed := range outcome.FailedBranches {
		m.branchesTotal.WithLabelValues(service, string(failed.Modality), failed.Reason).Inc()
	}
	for _, branch := range outcome.SucceededBranches {
		m.RecordBranchSuccess(service, branch.Modality)
	}
	m.RecordFusedResults(service, outcome.FusedResults)

	m.stageDuration.WithLabelValues(service, "resolve").Observe(outcome.Timings.Resolve.Seconds())
	m.stageDuration.WithLabelValues(service, "dispatch").Observe(outcome.Timings.Dispatch.Seconds())
	m.stageDuration.WithLabelValues(service, "fuse").Observe(outcome.Timings.Fuse.Seconds())
	m.stageDuration.WithLabelValues(service, "assemble").Observe(outcome.Timings.Assemble.Seconds())
}

func (m *ServerMetrics) RecordBranchSuccess(service string, modality domain.Modality) {
	m.branchesTotal.WithLabelValues(service, string(modality), "ok").Inc()
}

func (m *ServerMetrics) RecordFusedResults(service string, count int) {
	m.fusedResults.WithLabelValues(service).Observe(float64(count))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
