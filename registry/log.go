package registry

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "registry")
