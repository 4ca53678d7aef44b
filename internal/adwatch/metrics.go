package adwatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeClosed  = "closed"
	outcomeGone    = "gone"
	outcomeTimeout = "timeout"
	outcomeFailed  = "failed"
)

var (
	metricAdTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rewardcrawl",
		Name:      "ad_triggers_total",
		Help:      "Number of rewarded-ad triggers that were clicked.",
	})
	metricAdOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewardcrawl",
		Name:      "ad_outcomes_total",
		Help:      "How rewarded ads ended, by outcome.",
	}, []string{"outcome"})
)

func recordTrigger() {
	metricAdTriggers.Inc()
}

func recordOutcome(outcome string) {
	metricAdOutcomes.WithLabelValues(outcome).Inc()
}
