package evidence

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "evidence")
