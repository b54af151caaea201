package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slotGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_slot",
		Help: "The slot the engine is in.",
	})
	stepGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_slot_step",
		Help: "The step of the current slot, 0 (awaiting proposal) to 4 (finalized).",
	})
	missedSlots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_missed_slots_total",
		Help: "Slots that ended without an accepted proposal.",
	})
	acceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_accepted_total",
		Help: "Accepted submissions by kind.",
	}, []string{"kind"})
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rejected_total",
		Help: "Rejected submissions by kind and error class.",
	}, []string{"kind", "class"})
	haltedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_halted",
		Help: "1 if the engine halted on a finality conflict.",
	})
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_published_total",
		Help: "Events published by type.",
	}, []string{"type"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_dropped_total",
		Help: "Events dropped because a subscriber was full.",
	}, []string{"type"})
	persistQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_persist_queue_depth",
		Help: "Storage writes waiting for the persister.",
	})
	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_persist_failures_total",
		Help: "Storage writes that failed or were dropped, by kind.",
	}, []string{"kind"})
)
