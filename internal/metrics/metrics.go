// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayDeliveriesTotal         *prometheus.CounterVec
	relayDeliveryDurationSeconds prometheus.Histogram
	relayAccountsCrawledTotal    prometheus.Counter
	relayPostsRelayedTotal       prometheus.Counter
	relayEvictionsTotal          prometheus.Counter
	relayInboundActivitiesTotal  *prometheus.CounterVec
	relayActiveFanoutWorkers     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; the observe helpers call it themselves.
func Init() {
	once.Do(func() {
		relayDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_total",
				Help: "Total outbound inbox deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		relayDeliveryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_delivery_duration_seconds",
				Help:    "Histogram of outbound delivery latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		relayAccountsCrawledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_accounts_crawled_total",
				Help: "Total source accounts fetched for new posts.",
			},
		)

		relayPostsRelayedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_posts_relayed_total",
				Help: "Total posts relayed to at least one subscriber inbox.",
			},
		)

		relayEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_subscriber_evictions_total",
				Help: "Total subscribers evicted for sustained delivery failure.",
			},
		)

		relayInboundActivitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_inbound_activities_total",
				Help: "Total inbound activities, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		relayActiveFanoutWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_fanout_workers",
				Help: "Accounts currently being fanned out.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveDelivery increments the delivery counter for an outcome.
func ObserveDelivery(outcome string) {
	Init()
	relayDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDeliveryDuration records one delivery's wall time.
func ObserveDeliveryDuration(d time.Duration) {
	Init()
	relayDeliveryDurationSeconds.Observe(d.Seconds())
}

// ObserveAccountCrawled counts one fetched account.
func ObserveAccountCrawled() {
	Init()
	relayAccountsCrawledTotal.Inc()
}

// ObservePostsRelayed counts posts that reached at least one subscriber.
func ObservePostsRelayed(n int) {
	Init()
	relayPostsRelayedTotal.Add(float64(n))
}

// ObserveEviction counts one subscriber eviction.
func ObserveEviction() {
	Init()
	relayEvictionsTotal.Inc()
}

// ObserveInboundActivity counts one inbound activity by type and result.
func ObserveInboundActivity(activityType, result string) {
	Init()
	relayInboundActivitiesTotal.WithLabelValues(activityType, result).Inc()
}

// IncActiveFanoutWorkers increments the active fan-out gauge.
func IncActiveFanoutWorkers() {
	Init()
	relayActiveFanoutWorkers.Inc()
}

// DecActiveFanoutWorkers decrements the active fan-out gauge.
func DecActiveFanoutWorkers() {
	Init()
	relayActiveFanoutWorkers.Dec()
}
