package forkchoice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	log = logrus.WithField("prefix", "forkchoice")

	headSlotNumber = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forkchoice_head_slot",
			Help: "The slot number of the current head.",
		},
	)
	nodeCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forkchoice_node_count",
			Help: "The number of blocks in the fork choice DAG.",
		},
	)
	headChangesCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkchoice_head_changed_count",
			Help: "The number of times head changes.",
		},
	)
	processedBlockCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkchoice_block_processed_count",
			Help: "The number of blocks inserted into fork choice.",
		},
	)
	prunedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkchoice_pruned_count",
			Help: "The number of blocks pruned on finalization.",
		},
	)
)
