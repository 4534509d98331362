package watch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consul_watch_queries_total",
			Help: "Blocking queries issued, by result.",
		},
		[]string{"service", "result"},
	)
	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consul_watch_query_duration_seconds",
			Help:    "Duration of blocking queries in seconds.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	changesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consul_watch_changes_total",
			Help: "Change events emitted, by kind.",
		},
		[]string{"service", "kind"},
	)
	watcherState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consul_watch_watcher_state",
			Help: "Watcher state: 0 created, 1 running, 2 degraded, 3 stopped.",
		},
		[]string{"service"},
	)
	subscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consul_watch_subscribers",
			Help: "Subscriptions per target.",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(queryDuration)
	prometheus.MustRegister(changesTotal)
	prometheus.MustRegister(watcherState)
	prometheus.MustRegister(subscribersGauge)
}
