package listsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var MergeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaylist",
	Subsystem: "engine",
	Name:      "merges",
}, []string{"list", "result"})

var SpliceCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaylist",
	Subsystem: "engine",
	Name:      "splices",
}, []string{"list", "kind"})

var PageReads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaylist",
	Subsystem: "engine",
	Name:      "page_reads",
}, []string{"list", "outcome"})

var DanglingReferences = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relaylist",
	Subsystem: "engine",
	Name:      "dangling_references",
}, []string{"list"})

var IndexLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "relaylist",
	Subsystem: "engine",
	Name:      "index_length",
}, []string{"list"})

var FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "relaylist",
	Subsystem: "loader",
	Name:      "fetch_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"list", "result"})

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		MergeCount,
		SpliceCount,
		PageReads,
		DanglingReferences,
		IndexLength,
		FetchDuration,
	}
}

// RegisterMetrics registers the package collectors, tolerating repeats.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
