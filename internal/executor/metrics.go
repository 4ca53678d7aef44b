package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess   = "success"
	resultRecovered = "recovered"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
)

var (
	metricActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewardcrawl",
		Name:      "actions_total",
		Help:      "Site actions run by the executor, by result.",
	}, []string{"site", "result"})
	metricActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rewardcrawl",
		Name:      "action_duration_seconds",
		Help:      "Wall time of site actions, including ad handling.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"site"})
)

func recordAction(site, result string) {
	metricActions.WithLabelValues(site, result).Inc()
}

func observeDuration(site string, d time.Duration) {
	metricActionDuration.WithLabelValues(site).Observe(d.Seconds())
}
