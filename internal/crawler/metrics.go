package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess       = "success"
	outcomeFailed        = "failed"
	outcomeLoginRequired = "login_required"
	outcomeAcquireFailed = "acquire_failed"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewardcrawl",
		Name:      "runs_total",
		Help:      "Crawler runs by outcome.",
	}, []string{"site", "outcome"})
	metricPointsEarned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rewardcrawl",
		Name:      "points_earned",
		Help:      "Points earned by the most recent successful run.",
	}, []string{"site"})
)

func recordRun(site, outcome string) {
	metricRuns.WithLabelValues(site, outcome).Inc()
}

func setPointsEarned(site string, earned int) {
	metricPointsEarned.WithLabelValues(site).Set(float64(earned))
}
