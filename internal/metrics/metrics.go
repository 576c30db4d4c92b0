// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "issuehound"

// Label values for ingest results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	ingestEvents        *prometheus.CounterVec
	ingestRejections    *prometheus.CounterVec
	aggregateFailures   prometheus.Counter
	rateLimitDecisions  *prometheus.CounterVec
	eventStoreWriteTime prometheus.Histogram
	reconciledEvents    prometheus.Counter
	requestDuration     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ingestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Total number of events received by the ingestion gateway, by result.",
		}, []string{"result"}),
		ingestRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejections_total",
			Help:      "Total number of rejected ingestion batches, by error code.",
		}, []string{"code"}),
		aggregateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_failures_total",
			Help:      "Total number of issue merges that failed after the raw events were written.",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Total number of admission decisions, by outcome.",
		}, []string{"allowed"}),
		eventStoreWriteTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eventstore_write_seconds",
			Help:      "Duration of event batch appends including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconciledEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_events_total",
			Help:      "Total number of unaggregated events replayed into issues by the reconciler.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests, by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.ingestEvents, m.ingestRejections, m.aggregateFailures,
			m.rateLimitDecisions, m.eventStoreWriteTime, m.reconciledEvents,
			m.requestDuration,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) IngestEvents(result string, n int) {
	if m == nil {
		return
	}
	m.ingestEvents.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) IngestRejected(code string) {
	if m == nil {
		return
	}
	m.ingestRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) AggregateFailed() {
	if m == nil {
		return
	}
	m.aggregateFailures.Inc()
}

func (m *Metrics) RateLimitDecision(allowed bool) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) EventsReconciled(n int) {
	if m == nil {
		return
	}
	m.reconciledEvents.Add(float64(n))
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// EventStoreWriteObserver is handed to the event store writer.
func (m *Metrics) EventStoreWriteObserver() prometheus.Observer {
	if m == nil {
		return nil
	}
	return m.eventStoreWriteTime
}
