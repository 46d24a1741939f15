// Package metrics exposes Prometheus collectors for the resolver.
package metrics

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	resolutionsTotal          *prometheus.CounterVec
	resolutionDurationSeconds *prometheus.HistogramVec
	selectorHitsTotal         *prometheus.CounterVec
	publisherSitesTotal       *prometheus.CounterVec
	recordsTotal              *prometheus.CounterVec
	sinkUpdatesTotal          *prometheus.CounterVec
	publishTotal              *prometheus.CounterVec
	lastRunTimestamp          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_resolutions_total",
				Help: "Total number of viewer URL resolutions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		resolutionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolver_resolution_duration_seconds",
				Help:    "Histogram of resolution latencies, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60, 90},
			},
			[]string{"outcome"},
		)

		selectorHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_selector_hits_total",
				Help: "Total number of resolutions won by each selector.",
			},
			[]string{"selector"},
		)

		publisherSitesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_publisher_sites_total",
				Help: "Total number of resolved publisher URLs, labeled by site.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_records_total",
				Help: "Total number of batch records processed, labeled by status.",
			},
			[]string{"status"},
		)

		sinkUpdatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_sink_updates_total",
				Help: "Total number of source row updates, labeled by status.",
			},
			[]string{"status"},
		)

		publishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_publish_total",
				Help: "Total number of downstream publish calls, labeled by status.",
			},
			[]string{"status"},
		)

		lastRunTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolver_last_run_timestamp_seconds",
				Help: "Unix time at which the last batch run finished.",
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

// ObserveResolution records one finished resolution.
func ObserveResolution(outcome string, duration time.Duration) {
	Init()
	if outcome == "" {
		outcome = "unknown"
	}
	resolutionsTotal.WithLabelValues(outcome).Inc()
	resolutionDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveSelectorHit increments the counter of the selector that won.
func ObserveSelectorHit(selector string) {
	Init()
	selectorHitsTotal.WithLabelValues(selector).Inc()
}

// ObservePublisherSite counts a resolved publisher URL by its host.
func ObservePublisherSite(publisherURL string) {
	Init()
	publisherSitesTotal.WithLabelValues(SanitizeSite(publisherURL)).Inc()
}

// ObserveRecord increments the batch record counter for the given status.
func ObserveRecord(status string) {
	Init()
	recordsTotal.WithLabelValues(status).Inc()
}

// ObserveSinkUpdate increments the row update counter for the given status.
func ObserveSinkUpdate(status string) {
	Init()
	sinkUpdatesTotal.WithLabelValues(status).Inc()
}

// ObservePublish increments the publish counter for the given status.
func ObservePublish(status string) {
	Init()
	publishTotal.WithLabelValues(status).Inc()
}

// MarkRunFinished stamps the last-run gauge.
func MarkRunFinished(at time.Time) {
	Init()
	lastRunTimestamp.Set(float64(at.Unix()))
}

// Push sends the default registry to a Prometheus Pushgateway, grouped by
// instance so concurrent runners do not overwrite each other.
func Push(gatewayURL, job, instance string) error {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil
	}
	Init()
	pusher := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
