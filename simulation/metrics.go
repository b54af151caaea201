package simulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slotsSimulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulation_slots_total",
		Help: "Slots played out by the simulated network.",
	})
	blocksProposed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulation_blocks_proposed_total",
		Help: "Honest proposals broadcast.",
	})
	equivocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_equivocations_total",
		Help: "Conflicting messages broadcast by Byzantine validators, by kind.",
	}, []string{"kind"})
	deliveriesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_deliveries_rejected_total",
		Help: "Messages refused by an engine, by error class.",
	}, []string{"class"})
)
