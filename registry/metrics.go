package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registeredValidators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_validators",
		Help: "Number of validators known to the registry.",
	})
	snapshotCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_snapshot_cache_hit",
		Help: "The number of stake snapshot requests served from the cache.",
	})
	snapshotCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_snapshot_cache_miss",
		Help: "The number of stake snapshot requests that had to be computed.",
	})
)
