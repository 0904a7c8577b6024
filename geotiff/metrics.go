package geotiff

import "github.com/prometheus/client_golang/prometheus"

var (
	tileReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilepyramid",
		Subsystem: "geotiff",
		Name:      "tile_reads_total",
		Help:      "Tiles read from the file, by level (0 is full resolution).",
	}, []string{"level"})

	tileBytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tilepyramid",
		Subsystem: "geotiff",
		Name:      "read_bytes_total",
		Help:      "Compressed tile bytes read from the file.",
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{tileReads, tileBytesRead}
}
