package slashing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "slashing")

var (
	slashingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slashing_penalties_total",
		Help: "The number of slashing penalties applied, by offense.",
	}, []string{"offense"})
	slashedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slashing_slashed_stake",
		Help: "Total stake removed by slashing.",
	})
	burnedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slashing_burned_stake",
		Help: "Total slashed stake burned rather than paid as rewards.",
	})
)
