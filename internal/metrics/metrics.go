// Package metrics exposes Prometheus collectors for the pipeline services.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeFetchesTotal         *prometheus.CounterVec
	scrapeBytesTotal           *prometheus.CounterVec
	scrapeRetriesTotal         *prometheus.CounterVec
	deadLettersTotal           prometheus.Counter
	robotsFallbacksTotal       prometheus.Counter
	poisonMessagesTotal        *prometheus.CounterVec
	recordsUpsertedTotal       prometheus.Counter
	recordsSkippedTotal        *prometheus.CounterVec
	indexForwardsTotal         *prometheus.CounterVec
	tasksSubmittedTotal        *prometheus.CounterVec
	queueBacklog               *prometheus.GaugeVec
	activeWorkers              *prometheus.GaugeVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_fetches_total",
				Help: "Total number of fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scrapeRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_fetch_retries_total",
				Help: "Total number of fetch retries, labeled by site.",
			},
			[]string{"site"},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statpipe_dead_letters_total",
				Help: "Total number of tasks routed to the dead letter store.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statpipe_robots_fallbacks_total",
				Help: "Total number of robots.txt probes that fell back to allow-all after timeouts.",
			},
		)

		poisonMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_poison_messages_total",
				Help: "Total number of malformed messages dropped at the queue boundary, labeled by topic.",
			},
			[]string{"topic"},
		)

		recordsUpsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "statpipe_records_upserted_total",
				Help: "Total number of stat lines upserted into the store.",
			},
		)

		recordsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_records_skipped_total",
				Help: "Total number of rows skipped during processing, labeled by reason.",
			},
			[]string{"reason"},
		)

		indexForwardsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_index_forwards_total",
				Help: "Total number of stat line batches forwarded to the indexer, labeled by status.",
			},
			[]string{"status"},
		)

		tasksSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statpipe_tasks_submitted_total",
				Help: "Total number of task submissions, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		queueBacklog = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "statpipe_queue_backlog",
				Help: "Messages published but not yet acknowledged, labeled by topic and group.",
			},
			[]string{"topic", "group"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "statpipe_active_workers",
				Help: "Number of workers currently processing a message, labeled by pool.",
			},
			[]string{"pool"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statpipe_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statpipe_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt outcome.
func ObserveFetch(site string, outcome string, bytesFetched int, duration time.Duration) {
	sanitized := SanitizeSite(site)
	scrapeFetchesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		scrapeBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	}
}

// ObserveRetry increments the retry counter for a site.
func ObserveRetry(site string) {
	scrapeRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveDeadLetter increments the dead letter counter.
func ObserveDeadLetter() {
	deadLettersTotal.Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that gave up and allowed all.
func ObserveRobotsFallback() {
	robotsFallbacksTotal.Inc()
}

// ObservePoisonMessage counts a malformed message dropped from a topic.
func ObservePoisonMessage(topic string) {
	poisonMessagesTotal.WithLabelValues(topic).Inc()
}

// ObserveRecordUpserted increments the upserted stat line counter.
func ObserveRecordUpserted() {
	recordsUpsertedTotal.Inc()
}

// ObserveRecordSkipped counts a skipped row by reason.
func ObserveRecordSkipped(reason string) {
	recordsSkippedTotal.WithLabelValues(reason).Inc()
}

// ObserveIndexForward counts an indexer batch forward by status.
func ObserveIndexForward(status string) {
	indexForwardsTotal.WithLabelValues(status).Inc()
}

// ObserveSubmission counts submitted/skipped task dispositions.
func ObserveSubmission(disposition string, n int) {
	if n > 0 {
		tasksSubmittedTotal.WithLabelValues(disposition).Add(float64(n))
	}
}

// SetQueueBacklog records the current backlog for a topic/group pair.
func SetQueueBacklog(topic, group string, pending int64) {
	queueBacklog.WithLabelValues(topic, group).Set(float64(pending))
}

// IncActiveWorkers increments the active workers gauge for a pool.
func IncActiveWorkers(pool string) {
	activeWorkers.WithLabelValues(pool).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a pool.
func DecActiveWorkers(pool string) {
	activeWorkers.WithLabelValues(pool).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
