package evidence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	equivocationsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_equivocations_detected",
		Help: "Equivocations detected, by offense.",
	}, []string{"offense"})
	pendingEvidence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evidence_pending",
		Help: "Records waiting to be slashed.",
	})
	trackedArtifacts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evidence_tracked_artifacts",
		Help: "First-seen proposals and attestations retained for detection.",
	})
	refusedArtifacts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evidence_refused_artifacts",
		Help: "Artifacts refused because the tracking limit was reached.",
	})
)
