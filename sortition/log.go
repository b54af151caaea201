package sortition

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "sortition")
