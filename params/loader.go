package params

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// LoadConfigFile reads a YAML parameter file. Keys absent from the file keep
// the value of base (DefaultConfig when base is nil); unknown keys are an
// error.
func LoadConfigFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}
	return LoadConfig(data, base)
}

// LoadConfig parses YAML parameters over base.
func LoadConfig(data []byte, base *Config) (*Config, error) {
	if base == nil {
		base = DefaultConfig()
	}
	conf := base.Copy()
	if err := yaml.UnmarshalStrict(data, conf); err != nil {
		return nil, errors.Wrap(err, "could not parse config yaml")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log.WithField("name", conf.ConfigName).Debugf("Config file values: %+v", conf)
	return conf, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
