package coverage

import "github.com/prometheus/client_golang/prometheus"

var (
	coverageReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilepyramid",
		Subsystem: "coverage",
		Name:      "reads_total",
		Help:      "Coverages read, by kind (grid2d or stack).",
	}, []string{"kind"})

	samplesEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tilepyramid",
		Subsystem: "coverage",
		Name:      "samples_evaluated_total",
		Help:      "Positions evaluated by point queries and profiles.",
	})
)

// Collectors returns the metrics of the package, to be registered by the service.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{coverageReads, samplesEvaluated}
}
