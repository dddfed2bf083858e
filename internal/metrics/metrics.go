// Package metrics exposes Prometheus collectors for the relisting service.
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
	scrapesTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	aiCallsTotal               *prometheus.CounterVec
	categoryDecisionsTotal     *prometheus.CounterVec
	priceDecisionsTotal        *prometheus.CounterVec
	imageStrategyTotal         *prometheus.CounterVec
	moderationTransitionsTotal *prometheus.CounterVec
	draftOutcomesTotal         *prometheus.CounterVec
	automationRateLimitSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_scrapes_total",
				Help: "Total number of source pages collected, labeled by site and status.",
			},
			[]string{"site", "status"},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_jobs_total",
				Help: "Total number of queue jobs processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relist_job_duration_seconds",
				Help:    "Histogram of job handler latencies, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relist_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		aiCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_ai_calls_total",
				Help: "Total number of AI provider attempts, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		categoryDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_category_decisions_total",
				Help: "Total number of category resolutions, labeled by tier.",
			},
			[]string{"tier"},
		)

		priceDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_price_decisions_total",
				Help: "Total number of pricing decisions, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		imageStrategyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_image_strategy_total",
				Help: "Total number of image pipeline results, labeled by the strategy that produced them.",
			},
			[]string{"strategy"},
		)

		moderationTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_moderation_transitions_total",
				Help: "Total number of moderation state transitions.",
			},
			[]string{"from", "to"},
		)

		draftOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relist_draft_outcomes_total",
				Help: "Total number of publish attempts, labeled by resulting status or needs-action type.",
			},
			[]string{"outcome"},
		)

		automationRateLimitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relist_automation_rate_limit_delays_seconds",
				Help:    "Histogram of seller-console rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
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

// ObserveScrape increments the collection counter for the source site.
func ObserveScrape(sourceURL, status string) {
	Init()
	scrapesTotal.WithLabelValues(SanitizeSite(sourceURL), status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob records one handled job.
func ObserveJob(kind, outcome string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(kind, outcome).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveAICall records one provider attempt.
func ObserveAICall(provider, outcome string) {
	Init()
	aiCallsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveCategoryDecision records which tier resolved a category.
func ObserveCategoryDecision(tier string) {
	Init()
	categoryDecisionsTotal.WithLabelValues(tier).Inc()
}

// ObservePriceDecision records a pricing outcome.
func ObservePriceDecision(strategy, outcome string) {
	Init()
	priceDecisionsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveImageStrategy records the strategy that produced a vetted image set.
func ObserveImageStrategy(strategy string) {
	Init()
	imageStrategyTotal.WithLabelValues(strategy).Inc()
}

// ObserveModerationTransition records a moderation state change.
func ObserveModerationTransition(from, to string) {
	Init()
	moderationTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveDraftOutcome records where a publish attempt left a draft.
func ObserveDraftOutcome(outcome string) {
	Init()
	draftOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	automationRateLimitSeconds.Observe(duration.Seconds())
}
