package finality

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "finality")
