package contribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "contribution")

var creditedPoints = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "contribution_credited_points",
	Help: "Contribution points credited, by kind of work.",
}, []string{"kind"})
