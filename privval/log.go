package privval

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "privval")
