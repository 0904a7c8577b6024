package mosaic

import "github.com/prometheus/client_golang/prometheus"

var (
	tileCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilepyramid",
		Subsystem: "mosaic",
		Name:      "tile_cache_lookups_total",
		Help:      "Tile cache lookups by result (hit or miss).",
	}, []string{"result"})

	tilesComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilepyramid",
		Subsystem: "mosaic",
		Name:      "tiles_computed_total",
		Help:      "Tiles computed by origin: read, missing (synthesized empty) or degraded (unreadable, synthesized empty).",
	}, []string{"origin"})
)

// Collectors returns the metrics of the package, to be registered by the service.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{tileCacheLookups, tilesComputed}
}
