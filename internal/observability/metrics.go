package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pledgeAppliedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runpledge",
		Subsystem: "ledger",
		Name:      "last_pledge_applied_timestamp_seconds",
		Help:      "Unix timestamp of the most recent ledger entry committed.",
	})
	milesPledgedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runpledge",
		Subsystem: "ledger",
		Name:      "miles_pledged_total",
		Help:      "Total miles written to the pledge ledger.",
	})
	entriesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runpledge",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Total ledger entries committed.",
	})
	upstreamFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runpledge",
		Subsystem: "provider",
		Name:      "fetch_failures_total",
		Help:      "Activity-provider fetch failures, labeled by HTTP status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(pledgeAppliedGauge, milesPledgedCounter, entriesCounter, upstreamFailureCounter)
}

// RecordPledgeApplied updates the ledger watermark and counters.
func RecordPledgeApplied(ts time.Time, miles int) {
	if !ts.IsZero() {
		pledgeAppliedGauge.Set(float64(ts.Unix()))
	}
	milesPledgedCounter.Add(float64(miles))
	entriesCounter.Inc()
}

// RecordUpstreamFailure counts a degraded provider fetch.
func RecordUpstreamFailure(status string) {
	upstreamFailureCounter.WithLabelValues(status).Inc()
}
