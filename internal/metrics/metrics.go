// Package metrics exposes Prometheus counters for scans and deliveries.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardwatch"

type Metrics struct {
	gatherer prometheus.Gatherer

	JobsEnqueued    *prometheus.CounterVec
	JobsProcessed   *prometheus.CounterVec
	PostingsFetched prometheus.Counter
	PostingsNew     prometheus.Counter
	PostingsDup     prometheus.Counter
	Deliveries      *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	EmptyScanAlerts *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Scan jobs enqueued by result.",
		}, []string{"result"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Scan jobs handled by queue workers by result (ok, retry, dead).",
		}, []string{"result"}),
		PostingsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_fetched_total",
			Help:      "Postings returned by the page fetcher.",
		}),
		PostingsNew: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_new_total",
			Help:      "Postings newer than the stored high-water mark.",
		}),
		PostingsDup: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_duplicate_total",
			Help:      "Posting inserts ignored because the posting was already stored.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Channel delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token refreshes by provider and result.",
		}, []string{"provider", "result"}),
		EmptyScanAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_scan_alerts_total",
			Help:      "Pages that returned no rows for too many consecutive scans.",
		}, []string{"source"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) JobEnqueued(result string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(result).Inc()
}

func (m *Metrics) JobProcessed(result string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) ScanCompleted(fetched, newCount, duplicates int) {
	if m == nil {
		return
	}
	m.PostingsFetched.Add(float64(fetched))
	m.PostingsNew.Add(float64(newCount))
	m.PostingsDup.Add(float64(duplicates))
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) TokenRefresh(provider, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) EmptyScanAlert(source string) {
	if m == nil {
		return
	}
	m.EmptyScanAlerts.WithLabelValues(source).Inc()
}
