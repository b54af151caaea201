package finality

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	justifiedEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finality_justified_epoch",
		Help: "The epoch of the latest justified checkpoint.",
	})
	finalizedEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finality_finalized_epoch",
		Help: "The epoch of the latest finalized checkpoint.",
	})
	countedAttestations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finality_attestations_counted",
		Help: "The number of attestations whose stake was counted towards a checkpoint.",
	})
	trackedCandidates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finality_candidates",
		Help: "The number of candidate checkpoints being tracked.",
	})
)
