package sortition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	committeeCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sortition_committee_cache_hit",
		Help: "The number of committee requests served from the cache.",
	})
	committeeCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sortition_committee_cache_miss",
		Help: "The number of committees computed.",
	})
	ticketsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sortition_tickets_accepted",
		Help: "The number of VRF tickets stored by the ticket book.",
	})
	ticketsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sortition_tickets_rejected",
		Help: "The number of VRF tickets rejected by the ticket book, by reason.",
	}, []string{"reason"})
	committeeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sortition_committee_size",
		Help: "Size of the most recently computed committee.",
	})
)
